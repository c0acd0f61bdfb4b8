package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hido-network/bal/internal/block"
	"github.com/hido-network/bal/internal/chain"
	"github.com/hido-network/bal/internal/export"
	"github.com/hido-network/bal/internal/keys"
	"github.com/hido-network/bal/internal/sink"
)

// LedgerHandler exposes the ledger HTTP surface: open read endpoints
// plus operator-guarded append and export.
type LedgerHandler struct {
	appender *chain.Appender
	verifier *chain.Verifier
	exporter *export.Exporter
	store    sink.Sink
	keystore *keys.Keystore
	logger   *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler. keystore may be nil, which
// disables the hosted-actor append endpoint.
func NewLedgerHandler(
	appender *chain.Appender,
	verifier *chain.Verifier,
	exporter *export.Exporter,
	store sink.Sink,
	keystore *keys.Keystore,
	logger *zap.Logger,
) *LedgerHandler {
	return &LedgerHandler{
		appender: appender,
		verifier: verifier,
		exporter: exporter,
		store:    store,
		keystore: keystore,
		logger:   logger,
	}
}

// Register mounts the ledger routes. operator guards the mutating and
// export endpoints.
func (h *LedgerHandler) Register(rg *gin.RouterGroup, operator gin.HandlerFunc) {
	l := rg.Group("/ledger")
	{
		l.GET("", h.Overview)
		l.GET("/blocks/:idx", h.GetBlock)
		l.GET("/blocks", h.QueryBlocks)
		l.GET("/verify", h.Verify)
		l.GET("/verify/range", h.VerifyRange)
		l.GET("/audit/revocations", h.AuditRevocations)

		l.POST("/blocks", operator, h.Append)
		l.GET("/export", operator, h.Export)
	}
}

// Overview handles GET /ledger.
func (h *LedgerHandler) Overview(c *gin.Context) {
	st := h.appender.State()
	if st.Length == 0 {
		c.JSON(http.StatusOK, gin.H{"length": 0})
		return
	}

	genesis, err := h.store.Get(c.Request.Context(), 0)
	if err != nil {
		h.logger.Error("load genesis", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"length":       st.Length,
		"tip_index":    st.Tip.Index,
		"tip_hash":     st.Tip.Hash,
		"genesis_hash": genesis.ContentHash,
		"created_at":   time.Unix(0, genesis.Timestamp).UTC(),
	})
}

// GetBlock handles GET /ledger/blocks/:idx.
func (h *LedgerHandler) GetBlock(c *gin.Context) {
	idx, err := strconv.ParseUint(c.Param("idx"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	b, err := h.store.Get(c.Request.Context(), idx)
	if errors.Is(err, sink.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}
	if err != nil {
		h.logger.Error("get block", zap.Uint64("idx", idx), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}

	c.JSON(http.StatusOK, b)
}

// QueryBlocks handles GET /ledger/blocks — filtered history queries by
// actor or action type.
func (h *LedgerHandler) QueryBlocks(c *gin.Context) {
	actor := c.Query("actor")
	actionType := c.Query("action_type")
	if actor == "" && actionType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actor or action_type query parameter required"})
		return
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..1000"})
			return
		}
		limit = n
	}

	var (
		blocks []*block.Block
		err    error
	)
	if actor != "" {
		blocks, err = h.exporter.ActorHistory(c.Request.Context(), actor, limit)
	} else {
		blocks, err = h.exporter.ActionsByType(c.Request.Context(), actionType, limit)
	}
	if err != nil {
		h.logger.Error("query blocks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	if blocks == nil {
		blocks = []*block.Block{}
	}

	c.JSON(http.StatusOK, gin.H{"blocks": blocks, "count": len(blocks)})
}

// Verify handles GET /ledger/verify — full-chain integrity walk.
func (h *LedgerHandler) Verify(c *gin.Context) {
	violations, err := h.verifier.VerifyFull(c.Request.Context())
	if err != nil {
		h.logger.Error("verify full", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed to run"})
		return
	}
	respondViolations(c, violations)
}

// VerifyRange handles GET /ledger/verify/range?from=&to=.
func (h *LedgerHandler) VerifyRange(c *gin.Context) {
	from, err := strconv.ParseUint(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
		return
	}
	to, err := strconv.ParseUint(c.DefaultQuery("to", strconv.FormatUint(^uint64(0), 10)), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be a non-negative integer"})
		return
	}

	violations, err := h.verifier.VerifyRange(c.Request.Context(), from, to)
	if errors.Is(err, chain.ErrEmptyChain) {
		c.JSON(http.StatusOK, gin.H{"valid": true, "violations": []chain.Violation{}})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	respondViolations(c, violations)
}

// AuditRevocations handles GET /ledger/audit/revocations.
func (h *LedgerHandler) AuditRevocations(c *gin.Context) {
	flagged, err := h.verifier.AuditRevocations(c.Request.Context())
	if err != nil {
		h.logger.Error("revocation audit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit failed to run"})
		return
	}
	if flagged == nil {
		flagged = []chain.Violation{}
	}
	c.JSON(http.StatusOK, gin.H{"flagged": flagged, "count": len(flagged)})
}

func respondViolations(c *gin.Context, violations []chain.Violation) {
	if violations == nil {
		violations = []chain.Violation{}
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":      len(violations) == 0,
		"violations": violations,
	})
}

type appendRequest struct {
	Actor            string `json:"actor" binding:"required"`
	PayloadB64       string `json:"payload_b64" binding:"required"`
	IdempotencyToken string `json:"idempotency_token"`
}

// Append handles POST /ledger/blocks. The daemon signs on behalf of
// hosted actors whose keys live in the keystore.
func (h *LedgerHandler) Append(c *gin.Context) {
	if h.keystore == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no keystore configured; use the SDK for remote actors"})
		return
	}

	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.PayloadB64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload_b64 is not valid base64"})
		return
	}
	token := req.IdempotencyToken
	if token == "" {
		token = uuid.New().String()
	}

	sign, err := h.keystore.SignerFor(req.Actor)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("actor %q has no hosted key", req.Actor)})
		return
	}

	ref, err := h.appender.Append(c.Request.Context(), req.Actor, payload, chain.Signer(sign), token)
	if err != nil {
		h.respondAppendError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"index":             ref.Index,
		"hash":              ref.Hash,
		"idempotency_token": token,
	})
}

func (h *LedgerHandler) respondAppendError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chain.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, keys.ErrUnknownActor), errors.Is(err, keys.ErrRevokedActor):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, chain.ErrTokenReuse):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, chain.ErrAppendBusy):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "append slot busy, retry"})
	default:
		h.logger.Error("append", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "append failed"})
	}
}

// Export handles GET /ledger/export — streams matching blocks as JSON
// lines or CSV.
func (h *LedgerHandler) Export(c *gin.Context) {
	format, err := export.ParseFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter, err := parseExportFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	switch format {
	case export.FormatCSV:
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="ledger-export.csv"`)
	default:
		c.Header("Content-Type", "application/x-ndjson")
	}
	c.Status(http.StatusOK)

	n, err := h.exporter.Export(c.Request.Context(), c.Writer, format, filter)
	if err != nil {
		// Headers are already on the wire; log and cut the stream.
		h.logger.Error("export stream", zap.Error(err))
		c.Abort()
		return
	}
	recordExport(string(format), n)
}

func parseExportFilter(c *gin.Context) (export.Filter, error) {
	var f export.Filter
	var err error

	if raw := c.Query("from"); raw != "" {
		if f.FromIndex, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return f, errors.New("from must be a non-negative integer")
		}
	}
	if raw := c.Query("to"); raw != "" {
		to, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, errors.New("to must be a non-negative integer")
		}
		f.ToIndex = &to
	}
	f.Actor = c.Query("actor")
	f.ActionType = c.Query("action_type")
	if raw := c.Query("since"); raw != "" {
		if f.Since, err = time.Parse(time.RFC3339, raw); err != nil {
			return f, errors.New("since must be RFC3339")
		}
	}
	if raw := c.Query("until"); raw != "" {
		if f.Until, err = time.Parse(time.RFC3339, raw); err != nil {
			return f, errors.New("until must be RFC3339")
		}
	}
	return f, nil
}
