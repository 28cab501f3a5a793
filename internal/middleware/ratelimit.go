package middleware

import (
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/auth-gateway/internal/service"
	appErrors "github.com/noah-isme/auth-gateway/pkg/errors"
	"github.com/noah-isme/auth-gateway/pkg/response"
)

// RequestLimiter throttles requests per client IP with a one minute window. A nil client keeps
// the counters in process memory.
func RequestLimiter(client *redis.Client, perMinute int, metrics *service.MetricsService, logger *zap.Logger) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var store ratelimit.Store
	if client != nil {
		store = ratelimit.RedisStore(&ratelimit.RedisOptions{
			RedisClient: client,
			Rate:        time.Minute,
			Limit:       uint(perMinute),
		})
	} else {
		store = ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
			Rate:  time.Minute,
			Limit: uint(perMinute),
		})
	}

	return ratelimit.RateLimiter(store, &ratelimit.Options{
		ErrorHandler: func(c *gin.Context, info ratelimit.Info) {
			logger.Warn("request rate limit exceeded",
				zap.String("ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path),
				zap.Time("reset_at", info.ResetTime),
			)
			metrics.RecordRateLimited()
			response.Error(c, appErrors.RateLimited(time.Until(info.ResetTime)))
		},
		KeyFunc: func(c *gin.Context) string {
			return c.ClientIP()
		},
	})
}
