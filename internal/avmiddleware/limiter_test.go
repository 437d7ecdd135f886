// file: internal/avmiddleware/limiter_test.go

package avmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newLimitedRouter(l *OpsRateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func doRequest(r *gin.Engine, remoteAddr string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestOpsRateLimiter_GlobalLimit(t *testing.T) {
	// 全局桶只有 1 个令牌且几乎不回填。
	l := NewOpsRateLimiter(0.001, 1, 100, 100)
	r := newLimitedRouter(l)

	assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, doRequest(r, "10.0.0.2:1234"),
		"全局令牌耗尽后任何来源都应被拒绝")
}

func TestOpsRateLimiter_PerIPLimit(t *testing.T) {
	// 全局闸门放开，按 IP 桶只有 1 个令牌。
	l := NewOpsRateLimiter(1000, 1000, 0.001, 1)
	r := newLimitedRouter(l)

	assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, doRequest(r, "10.0.0.1:5678"),
		"同一 IP 的第二个请求应被拒绝")
	assert.Equal(t, http.StatusOK, doRequest(r, "10.0.0.2:1234"),
		"不同 IP 不应受其它来源的桶影响")
}

func TestGetClientIP(t *testing.T) {
	cases := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"X-Forwarded-For 优先", "203.0.113.7, 10.0.0.1", "198.51.100.2", "10.0.0.9:80", "203.0.113.7"},
		{"回退 X-Real-IP", "", "198.51.100.2", "10.0.0.9:80", "198.51.100.2"},
		{"回退 RemoteAddr", "", "", "10.0.0.9:80", "10.0.0.9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tc.forwarded)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			assert.Equal(t, tc.want, getClientIP(req))
		})
	}
}
