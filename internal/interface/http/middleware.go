package http

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

func errorHandlingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		httpErr := asHTTPError(c.Errors.Last().Err)
		if httpErr.Message == "" {
			httpErr.Message = httpErr.Error()
		}

		if httpErr.Status >= http.StatusInternalServerError {
			logger.Error("request failed", "code", httpErr.Code, "status", httpErr.Status, "path", c.Request.URL.Path, "request_id", requestID(c), "error", httpErr.Err)
		} else {
			logger.Warn("request failed", "code", httpErr.Code, "status", httpErr.Status, "path", c.Request.URL.Path, "request_id", requestID(c), "error", httpErr.Err)
		}

		c.JSON(httpErr.Status, envelope(c, httpErr))
	}
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		logger.Info("http request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "latency_ms", latency.Milliseconds(), "request_id", requestID(c))
	}
}

// routeClass groups endpoints into rate-limit buckets with distinct budgets.
type routeClass string

const (
	classStandard routeClass = "standard"
	classChat     routeClass = "chat"
	classUpload   routeClass = "upload"
	classAdmin    routeClass = "admin"
)

// RateLimits carries per-class requests-per-minute budgets.
type RateLimits struct {
	Enabled  bool
	Standard int
	Chat     int
	Upload   int
	Admin    int
}

func (r RateLimits) perMinute(class routeClass) int {
	switch class {
	case classChat:
		return r.Chat
	case classUpload:
		return r.Upload
	case classAdmin:
		return r.Admin
	default:
		return r.Standard
	}
}

// principalLimiter keeps one token bucket per (principal, route-class).
// State is node-local and swept lazily.
type principalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*visitor
	ttl      time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newPrincipalLimiter() *principalLimiter {
	return &principalLimiter{
		limiters: make(map[string]*visitor),
		ttl:      10 * time.Minute,
	}
}

func (l *principalLimiter) allow(key string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	v, ok := l.limiters[key]
	if !ok {
		limit := rate.Limit(float64(perMinute) / 60.0)
		v = &visitor{limiter: rate.NewLimiter(limit, perMinute)}
		l.limiters[key] = v
	}
	v.lastSeen = now
	l.sweepLocked(now)
	return v.limiter.Allow()
}

func (l *principalLimiter) sweepLocked(now time.Time) {
	for key, v := range l.limiters {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.limiters, key)
		}
	}
}

// rateLimitMiddleware enforces the class budget per principal, falling back
// to the client IP for unauthenticated routes.
func rateLimitMiddleware(limits RateLimits, limiter *principalLimiter, class routeClass, logger *slog.Logger) gin.HandlerFunc {
	if !limits.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		principal := c.ClientIP()
		if claims, ok := getClaims(c); ok {
			principal = "u" + strconv.FormatInt(claims.UserID, 10)
		}
		key := principal + ":" + string(class)
		if limiter.allow(key, limits.perMinute(class)) {
			c.Next()
			return
		}
		logger.Warn("rate limit exceeded", "principal", principal, "class", class, "path", c.Request.URL.Path)
		abortWithError(c, &HTTPError{
			Status:      http.StatusTooManyRequests,
			Type:        "rate_limited",
			Code:        "rate_limit_exceeded",
			Message:     "too many requests for this route class",
			Suggestions: []string{"slow down and retry after the current window"},
		})
	}
}
