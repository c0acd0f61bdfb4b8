package server_test

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hido-network/bal/internal/server"
)

func TestRateLimiter_rejectsWithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(server.RateLimiter(1, 1, time.Minute))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:4000"
		r.ServeHTTP(w, req)
		return w
	}

	if w := do(); w.Code != http.StatusOK {
		t.Fatalf("first request: got %d, want 200", w.Code)
	}

	// Burst exhausted; the rejection reports when the bucket refills.
	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: got %d, want 429", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry < 1 {
		t.Errorf("Retry-After: got %q, want a positive integer", w.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_perClientBuckets(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(server.RateLimiter(1, 1, time.Minute))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(addr string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		r.ServeHTTP(w, req)
		return w.Code
	}

	if got := do("203.0.113.7:4000"); got != http.StatusOK {
		t.Fatalf("first client: got %d, want 200", got)
	}
	if got := do("203.0.113.8:4000"); got != http.StatusOK {
		t.Errorf("second client shares the first client's bucket: got %d", got)
	}
}
