// Package avmiddleware file: internal/avmiddleware/limiter.go
package avmiddleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterEntry 存储限制器和最后访问时间，用于清理
type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// OpsRateLimiter 管理运维平面的速率限制：一个全局闸门加上按来源 IP 的限制。
// 运维端点背后是真实的数据库探测与清理扫描，不设防会把池打穿。
type OpsRateLimiter struct {
	globalLimiter *rate.Limiter

	ipLimiters map[string]*limiterEntry
	ipMu       sync.Mutex
	ipRate     rate.Limit
	ipBurst    int
}

// NewOpsRateLimiter 创建运维平面速率限制器，并启动后台清理守护进程。
func NewOpsRateLimiter(globalRate float64, globalBurst int, ipRate float64, ipBurst int) *OpsRateLimiter {
	l := &OpsRateLimiter{
		globalLimiter: rate.NewLimiter(rate.Limit(globalRate), globalBurst),
		ipLimiters:    make(map[string]*limiterEntry),
		ipRate:        rate.Limit(ipRate),
		ipBurst:       ipBurst,
	}
	go l.cleanupDaemon()
	return l
}

// cleanupDaemon 定期清理不活跃的IP条目
func (l *OpsRateLimiter) cleanupDaemon() {
	for {
		time.Sleep(10 * time.Minute)
		l.ipMu.Lock()
		for ip, entry := range l.ipLimiters {
			if time.Since(entry.lastSeen) > 15*time.Minute {
				delete(l.ipLimiters, ip)
			}
		}
		l.ipMu.Unlock()
	}
}

// getClientIP 从请求中获取客户端IP地址，考虑代理情况
func getClientIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	ip = strings.TrimSpace(strings.Split(ip, ",")[0])
	if ip != "" {
		return ip
	}
	ip = r.Header.Get("X-Real-IP")
	if ip != "" {
		return ip
	}
	ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	return ip
}

// getLimiter 返回或创建指定IP的速率限制器
func (l *OpsRateLimiter) getLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	entry, exists := l.ipLimiters[ip]
	if !exists {
		limiter := rate.NewLimiter(l.ipRate, l.ipBurst)
		l.ipLimiters[ip] = &limiterEntry{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Middleware 返回 gin 中间件：全局与按 IP 两层任一超限即拒绝。
func (l *OpsRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.globalLimiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "系统繁忙，请稍后再试 (global limit)"})
			return
		}
		if !l.getLimiter(getClientIP(c.Request)).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "您的请求过于频繁，请稍后再试 (per-ip limit)"})
			return
		}
		c.Next()
	}
}
