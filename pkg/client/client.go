package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// ErrNotFound is returned when the requested block does not exist.
var ErrNotFound = errors.New("block not found")

// Overview describes the chain state returned by GET /ledger.
type Overview struct {
	Length      uint64    `json:"length"`
	TipIndex    uint64    `json:"tip_index"`
	TipHash     string    `json:"tip_hash"`
	GenesisHash string    `json:"genesis_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Block mirrors one ledger block on the wire. Payload and Signature
// are base64 in JSON; hashes are hex strings.
type Block struct {
	Index       uint64 `json:"index"`
	Timestamp   int64  `json:"timestamp"` // unix nanoseconds
	Actor       string `json:"actor"`
	Payload     []byte `json:"payload"`
	PrevHash    string `json:"prev_hash"`
	ContentHash string `json:"content_hash"`
	Signature   []byte `json:"signature,omitempty"`
}

// Ref identifies an appended block.
type Ref struct {
	Index uint64 `json:"index"`
	Hash  string `json:"hash"`
}

// Violation is one integrity problem reported by a verification run.
type Violation struct {
	Index  uint64 `json:"index"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// VerifyResult is the outcome of a verification run.
type VerifyResult struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
}

// ExportFilter narrows a compliance export. Zero values mean unbounded;
// ToIndex is a pointer so a bound of 0 (genesis only) stays
// distinguishable from no bound.
type ExportFilter struct {
	FromIndex  uint64
	ToIndex    *uint64
	Actor      string
	ActionType string
	Since      time.Time
	Until      time.Time
}

// Client talks to a ledgerd instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *blockCache

	// token state, guarded by mu
	mu          sync.Mutex
	adminSecret string
	bearerToken string
	tokenExpiry time.Time // zero = token was set manually (no auto-refresh)
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithCacheTTL enables in-memory caching of GetBlock results with the
// given TTL. Blocks are immutable, so the TTL only bounds memory.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newBlockCache(ttl)
		return nil
	}
}

// WithBearerToken attaches a pre-obtained operator token to every
// request. The token is treated as long-lived and never auto-refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		c.tokenExpiry = time.Time{}
		return nil
	}
}

// WithAdminSecret enables automatic operator-token exchange: the client
// trades the secret for a token on first authenticated call and
// refreshes before expiry.
func WithAdminSecret(secret string) Option {
	return func(c *Client) error {
		c.adminSecret = secret
		return nil
	}
}

// New creates a Client for the ledgerd at baseURL.
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithAdminSecret(secret),
//	    client.WithCacheTTL(10*time.Minute),
//	)
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(baseURL string, opts ...Option) *Client {
	c, err := New(baseURL, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Overview fetches the chain metadata.
func (c *Client) Overview(ctx context.Context) (*Overview, error) {
	var ov Overview
	if err := c.getJSON(ctx, "/api/v1/ledger", &ov, false); err != nil {
		return nil, err
	}
	return &ov, nil
}

// GetBlock fetches one block by index.
func (c *Client) GetBlock(ctx context.Context, index uint64) (*Block, error) {
	if c.cache != nil {
		if b, ok := c.cache.get(index); ok {
			return b, nil
		}
	}

	var b Block
	err := c.getJSON(ctx, "/api/v1/ledger/blocks/"+strconv.FormatUint(index, 10), &b, false)
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.set(index, &b)
	}
	return &b, nil
}

// ActorHistory returns blocks authored by actor, oldest first.
func (c *Client) ActorHistory(ctx context.Context, actor string, limit int) ([]*Block, error) {
	return c.queryBlocks(ctx, url.Values{"actor": {actor}}, limit)
}

// ActionsByType returns blocks whose payload carries the action-type
// prefix, oldest first.
func (c *Client) ActionsByType(ctx context.Context, actionType string, limit int) ([]*Block, error) {
	return c.queryBlocks(ctx, url.Values{"action_type": {actionType}}, limit)
}

func (c *Client) queryBlocks(ctx context.Context, q url.Values, limit int) ([]*Block, error) {
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Blocks []*Block `json:"blocks"`
	}
	if err := c.getJSON(ctx, "/api/v1/ledger/blocks?"+q.Encode(), &resp, false); err != nil {
		return nil, err
	}
	return resp.Blocks, nil
}

// Verify runs a full-chain integrity walk on the daemon.
func (c *Client) Verify(ctx context.Context) (*VerifyResult, error) {
	var res VerifyResult
	if err := c.getJSON(ctx, "/api/v1/ledger/verify", &res, false); err != nil {
		return nil, err
	}
	return &res, nil
}

// VerifyRange spot-checks blocks [from, to].
func (c *Client) VerifyRange(ctx context.Context, from, to uint64) (*VerifyResult, error) {
	path := fmt.Sprintf("/api/v1/ledger/verify/range?from=%d&to=%d", from, to)
	var res VerifyResult
	if err := c.getJSON(ctx, path, &res, false); err != nil {
		return nil, err
	}
	return &res, nil
}

// AuditRevocations lists blocks whose signer has been revoked since
// the append.
func (c *Client) AuditRevocations(ctx context.Context) ([]Violation, error) {
	var resp struct {
		Flagged []Violation `json:"flagged"`
	}
	if err := c.getJSON(ctx, "/api/v1/ledger/audit/revocations", &resp, false); err != nil {
		return nil, err
	}
	return resp.Flagged, nil
}

// Append records an action for a hosted actor. token deduplicates
// retries; empty lets the daemon choose one. The used token is
// returned alongside the block reference.
func (c *Client) Append(ctx context.Context, actor string, payload []byte, token string) (*Ref, string, error) {
	reqBody, err := json.Marshal(map[string]string{
		"actor":             actor,
		"payload_b64":       base64.StdEncoding.EncodeToString(payload),
		"idempotency_token": token,
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshal append request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/ledger/blocks", bytes.NewReader(reqBody))
	if err != nil {
		return nil, "", fmt.Errorf("build append request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req, true)
	if err != nil {
		return nil, "", err
	}

	var resp struct {
		Index            uint64 `json:"index"`
		Hash             string `json:"hash"`
		IdempotencyToken string `json:"idempotency_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", fmt.Errorf("decode append response: %w", err)
	}
	return &Ref{Index: resp.Index, Hash: resp.Hash}, resp.IdempotencyToken, nil
}

// Export streams matching blocks into w in the given format ("json" or
// "csv") and returns the number of bytes written.
func (c *Client) Export(ctx context.Context, w io.Writer, format string, filter ExportFilter) (int64, error) {
	q := url.Values{}
	if format != "" {
		q.Set("format", format)
	}
	if filter.FromIndex != 0 {
		q.Set("from", strconv.FormatUint(filter.FromIndex, 10))
	}
	if filter.ToIndex != nil {
		q.Set("to", strconv.FormatUint(*filter.ToIndex, 10))
	}
	if filter.Actor != "" {
		q.Set("actor", filter.Actor)
	}
	if filter.ActionType != "" {
		q.Set("action_type", filter.ActionType)
	}
	if !filter.Since.IsZero() {
		q.Set("since", filter.Since.Format(time.RFC3339))
	}
	if !filter.Until.IsZero() {
		q.Set("until", filter.Until.Format(time.RFC3339))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/ledger/export?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("build export request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("export request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return 0, fmt.Errorf("export returned HTTP %d: %s", resp.StatusCode, msg)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("stream export body: %w", err)
	}
	return n, nil
}

// FetchToken exchanges the admin secret for an operator token, caches
// it, and returns it.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearerToken = token
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return token, nil
}

func (c *Client) fetchTokenRaw(ctx context.Context) (string, time.Time, error) {
	c.mu.Lock()
	secret := c.adminSecret
	c.mu.Unlock()
	if secret == "" {
		return "", time.Time{}, errors.New("no admin secret configured; use WithAdminSecret or WithBearerToken")
	}

	reqBody, _ := json.Marshal(map[string]string{"secret": secret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/token", bytes.NewReader(reqBody))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("token endpoint error %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}

	// Refresh well before the daemon-side 8h expiry; the exact TTL is
	// not surfaced, so keep a conservative client-side window.
	return payload.Token, time.Now().Add(time.Hour), nil
}

// ensureToken returns a valid bearer token, fetching a new one if the
// cached token is absent or approaching expiry. Thread-safe.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.bearerToken != "" && (c.tokenExpiry.IsZero() || time.Now().Before(c.tokenExpiry)) {
		tok := c.bearerToken
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	token, expiry, err := c.fetchTokenRaw(ctx)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearerToken = token
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return token, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		return fmt.Errorf("obtain operator token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any, authed bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, authed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request, authed bool) ([]byte, error) {
	if authed {
		if err := c.authorize(req.Context(), req); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ledgerd returned HTTP %d: %s", resp.StatusCode, body)
	}
	return body, nil
}

// blockCache is a TTL cache for immutable blocks.
type blockCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[uint64]cacheEntry
}

type cacheEntry struct {
	block   *Block
	expires time.Time
}

func newBlockCache(ttl time.Duration) *blockCache {
	return &blockCache{ttl: ttl, entries: make(map[uint64]cacheEntry)}
}

func (bc *blockCache) get(index uint64) (*Block, bool) {
	bc.mu.RLock()
	e, ok := bc.entries[index]
	bc.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.block, true
}

func (bc *blockCache) set(index uint64, b *Block) {
	bc.mu.Lock()
	bc.entries[index] = cacheEntry{block: b, expires: time.Now().Add(bc.ttl)}
	bc.mu.Unlock()
}
