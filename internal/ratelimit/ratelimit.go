// Package ratelimit はジョブ状態ポーリングの回数制限を提供します。
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

const keyPrefix = "ratelimit:poll:"

// Limiter は github.com/vnmchuo/ratelimiter の薄いラッパーです。
type Limiter struct {
	store  extratelimit.Limiter
	logger *slog.Logger
}

// NewPollLimiter は1分あたり perMinute 回まで許可する Redis バックエンドの Limiter を返します。
func NewPollLimiter(rdb *redis.Client, perMinute int, logger *slog.Logger) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(perMinute),
		extratelimit.WithWindow(time.Minute),
	)
	return NewWithStore(store, logger)
}

// NewWithStore は任意のストアで Limiter を作成します。
func NewWithStore(store extratelimit.Limiter, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{store: store, logger: logger}
}

// Allow は subject の呼び出しを1回分消費し、許可されたかを返します。
func (l *Limiter) Allow(ctx context.Context, subject string) (bool, error) {
	res, err := l.store.AllowN(ctx, keyPrefix+subject, 1)
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return res.Allowed, nil
}

// Middleware は subject ごとに回数を数え、超過時は 429 を返すミドルウェアです。
// ストア障害時はポーリングを止めないよう通過させます。nil の Limiter は常に通過させます。
func (l *Limiter) Middleware(subject func(c *gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		key := subject(c)
		if key == "" {
			c.Next()
			return
		}

		allowed, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			l.logger.Warn("poll rate limiter unavailable, allowing request",
				slog.String("subject", key),
				slog.Any("error", err),
			)
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_REQUESTS",
				"message": "polling too frequently, slow down and retry later",
			})
			return
		}
		c.Next()
	}
}
