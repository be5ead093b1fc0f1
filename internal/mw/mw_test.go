package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCacheServesRepeatedGets(t *testing.T) {
	hits := 0
	r := gin.New()
	r.GET("/changes", Cache(cache.New(time.Minute, time.Minute), time.Minute), func(c *gin.Context) {
		hits++
		c.JSON(http.StatusOK, gin.H{"hits": hits})
	})

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/changes", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"hits":1}`, w.Body.String())
		assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
		if i == 0 {
			assert.Equal(t, "MISS", w.Header().Get(CacheHeader))
		} else {
			assert.Equal(t, "HIT", w.Header().Get(CacheHeader))
		}
	}
	assert.Equal(t, 1, hits)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/changes", nil)
	req.Header.Set("Cache-Control", "no-cache")
	r.ServeHTTP(w, req)
	assert.JSONEq(t, `{"hits":2}`, w.Body.String())
}

func TestCacheSkipsErrorsAndKeysByURI(t *testing.T) {
	hits := 0
	r := gin.New()
	r.GET("/changes", Cache(cache.New(time.Minute, time.Minute), time.Minute), func(c *gin.Context) {
		hits++
		if c.Query("limit") == "bad" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"limit": c.Query("limit")})
	})

	for _, target := range []string{"/changes?limit=bad", "/changes?limit=bad", "/changes?limit=1", "/changes?limit=2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	}
	assert.Equal(t, 4, hits)
}

func TestCacheKeysClientRequestsByQuery(t *testing.T) {
	r := gin.New()
	r.GET("/changes", Cache(cache.New(time.Minute, time.Minute), time.Minute), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"limit": c.Query("limit")})
	})

	// Client-built requests leave RequestURI empty.
	for _, limit := range []string{"1", "2"} {
		req, err := http.NewRequest(http.MethodGet, "/changes?limit="+limit, nil)
		require.NoError(t, err)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, "MISS", w.Header().Get(CacheHeader))
		assert.JSONEq(t, `{"limit":"`+limit+`"}`, w.Body.String())
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	limiter := NewIPRateLimiter(rate.Every(time.Hour), 2, time.Minute)
	r := gin.New()
	r.GET("/status", RateLimiter(limiter, "X-Real-IP"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	send := func(ip string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.Header.Set("X-Real-IP", ip)
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1"))
	assert.Equal(t, http.StatusOK, send("10.0.0.2"))
	assert.Equal(t, 2, limiter.Len())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header string
		value  string
		want   string
	}{
		{"header list", "X-Forwarded-For", "203.0.113.7, 10.0.0.1", "203.0.113.7"},
		{"header unset", "X-Real-IP", "", "192.0.2.1"},
		{"no header configured", "", "203.0.113.7", "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			c.Request.RemoteAddr = "192.0.2.1:4711"
			if tt.header != "" && tt.value != "" {
				c.Request.Header.Set(tt.header, tt.value)
			}
			if tt.header == "" {
				c.Request.Header.Set("X-Custom", tt.value)
			}
			assert.Equal(t, tt.want, ClientIP(c, tt.header))
		})
	}
}
