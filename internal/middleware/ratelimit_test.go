package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimit_AllowsNormalRequests(t *testing.T) {
	rl := NewRateLimiter(10, 10) // 10 rps, burst 10

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/api/llm/generate", func(c *gin.Context) {
		c.JSON(200, gin.H{"provider": "openai"})
	})

	// A client within its budget passes through
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/llm/generate", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestRateLimit_BlocksExcessiveRequests(t *testing.T) {
	rl := NewRateLimiter(1, 2) // 1 rps, burst 2

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/api/llm/generate", func(c *gin.Context) {
		c.JSON(200, gin.H{"provider": "openai"})
	})

	// Drain the burst and keep going; the tail requests must be rejected
	var lastCode int
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/llm/generate", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		router.ServeHTTP(w, req)
		lastCode = w.Code
	}

	if lastCode != http.StatusTooManyRequests {
		t.Errorf("expected status %d after burst exceeded, got %d", http.StatusTooManyRequests, lastCode)
	}
}

func TestRateLimit_RejectionUsesEnvelope(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/api/llm/generate", func(c *gin.Context) {
		c.JSON(200, gin.H{"provider": "openai"})
	})

	var w *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		w = httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/api/llm/generate", nil)
		req.RemoteAddr = "10.0.0.9:12345"
		router.ServeHTTP(w, req)
	}

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status %d, got %d", http.StatusTooManyRequests, w.Code)
	}

	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("rejection body is not the standard envelope: %v", err)
	}
	if body.Code != http.StatusTooManyRequests {
		t.Errorf("envelope code = %d, expected %d", body.Code, http.StatusTooManyRequests)
	}
	if body.Message == "" {
		t.Error("envelope message should explain the throttle")
	}
}

func TestRateLimit_IndependentPerIP(t *testing.T) {
	rl := NewRateLimiter(1, 1) // 1 rps, burst 1

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/api/llm/generate", func(c *gin.Context) {
		c.JSON(200, gin.H{"provider": "openai"})
	})

	// One client draining its bucket must not starve another
	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest("GET", "/api/llm/generate", nil)
	req1.RemoteAddr = "10.0.0.1:12345"
	router.ServeHTTP(w1, req1)

	if w1.Code != http.StatusOK {
		t.Errorf("IP1 first request: expected %d, got %d", http.StatusOK, w1.Code)
	}

	// A different client IP gets a fresh bucket
	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest("GET", "/api/llm/generate", nil)
	req2.RemoteAddr = "10.0.0.2:12345"
	router.ServeHTTP(w2, req2)

	if w2.Code != http.StatusOK {
		t.Errorf("IP2 first request: expected %d, got %d", http.StatusOK, w2.Code)
	}
}
