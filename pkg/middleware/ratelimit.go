package middleware

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"snippet-notify/pkg/httpx"
)

var errRateLimited = errors.New("rate limit exceeded")

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	MaxClients        int // 记录的客户端上限，超出后淘汰最久未访问的
}

// RateLimiter 按客户端（用户ID优先，其次IP）限流
type RateLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter 创建限流器
func NewRateLimiter(cfg RateLimitConfig) (*RateLimiter, error) {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	cache, err := lru.New[string, *rate.Limiter](cfg.MaxClients)
	if err != nil {
		return nil, err
	}
	return &RateLimiter{cfg: cfg, limiters: cache}, nil
}

// Allow 判断客户端本次请求是否放行
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters.Get(key)
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerSecond), rl.cfg.Burst)
		rl.limiters.Add(key, limiter)
	}
	rl.mu.Unlock()
	return limiter.Allow()
}

// RateLimit 限流中间件，RequestsPerSecond 不大于0时不限流
func RateLimit(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl == nil || rl.cfg.RequestsPerSecond <= 0 {
			c.Next()
			return
		}

		key := c.GetString(ContextUserID)
		if key == "" {
			key = c.ClientIP()
		}
		if !rl.Allow(key) {
			httpx.WriteError(c, httpx.NewError(http.StatusTooManyRequests, "rate_limited", errRateLimited))
			return
		}
		c.Next()
	}
}
