// Package server assembles the ledgerd HTTP surface: gin router,
// operator auth, per-IP rate limiting, and Prometheus instrumentation
// over the chain, export, and sink layers.
package server

import (
	"crypto/subtle"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterConfig carries the HTTP-level settings for NewRouter.
type RouterConfig struct {
	CORSOrigins    []string
	RateLimitRPS   int           // 0 disables rate limiting
	RateLimitSweep time.Duration // stale-bucket sweep interval; 0 means 5m
	AdminSecret    string        // exchanged for operator tokens; empty disables the exchange
	MaxBodyBytes   int64         // 0 means 1 MiB
}

// NewRouter builds the full ledgerd router around a LedgerHandler.
func NewRouter(ledger *LedgerHandler, tokens *TokenIssuer, cfg RouterConfig, logger *zap.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}
	router.Use(cors.New(corsConfig))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	maxBody := cfg.MaxBodyBytes
	if maxBody == 0 {
		maxBody = 1 << 20
	}
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		router.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2, cfg.RateLimitSweep))
	}

	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", MetricsHandler())

	v1 := router.Group("/api/v1")
	v1.POST("/auth/token", tokenExchange(tokens, cfg.AdminSecret, logger))
	ledger.Register(v1, RequireOperator(tokens))

	return router
}

type tokenExchangeRequest struct {
	Secret string `json:"secret" binding:"required"`
}

// tokenExchange trades the static admin secret for a short-lived
// operator token.
func tokenExchange(tokens *TokenIssuer, adminSecret string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if adminSecret == "" {
			c.JSON(http.StatusNotImplemented, gin.H{"error": "operator token exchange not configured"})
			return
		}
		var req tokenExchangeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "secret is required"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(adminSecret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
			return
		}
		tok, err := tokens.Issue()
		if err != nil {
			logger.Error("issue operator token", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": tok})
	}
}

// requestLogger logs one line per completed request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
