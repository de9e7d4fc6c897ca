package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/feng04-qyq/backend/internal/auth"
	"github.com/feng04-qyq/backend/internal/monitor"
	"github.com/feng04-qyq/backend/internal/router"
	"github.com/feng04-qyq/backend/pkg/apperr"
	"github.com/feng04-qyq/backend/pkg/i18n"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	requestIDKey = "RequestID"
	sessionKey   = "Session"
	identityKey  = "Identity"
)

// ipLimiters hands out one token bucket per client IP. The whole set is
// dropped every resetEvery so idle clients do not accumulate.
type ipLimiters struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	limit      rate.Limit
	burst      int
	resetEvery time.Duration
	lastReset  time.Time
}

func newIPLimiters(rps float64, burst int) *ipLimiters {
	return &ipLimiters{
		limiters:   make(map[string]*rate.Limiter),
		limit:      rate.Limit(rps),
		burst:      burst,
		resetEvery: 5 * time.Minute,
		lastReset:  time.Now(),
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.lastReset) > l.resetEvery {
		l.limiters = make(map[string]*rate.Limiter)
		l.lastReset = time.Now()
	}
	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Request-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware prevents API abuse with per-IP rate limiting
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	limiters := newIPLimiters(rps, burst)
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiters.get(ip).Allow() {
			log.Printf("[RATE_LIMIT] IP %s exceeded rate limit", ip)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, envelope{
				Message:   i18n.Get("RateLimitExceeds"),
				Timestamp: now(),
				Code:      "RATE_LIMITED",
			})
			return
		}
		c.Next()
	}
}

// TimeoutMiddleware bounds the request context. Handlers pass the context
// down to every source, so a slow source surfaces as a timeout error; a
// handler that wrote nothing by the deadline gets a 504.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Writer.Written() {
			log.Printf("[TIMEOUT] Request timeout: %s %s", c.Request.Method, c.Request.URL.Path)
			fail(c, apperr.ErrTimeout.WithDetail("%s", i18n.Get("RequestTimedOut")))
		}
	}
}

// RequestLogger logs all API requests with timing and status and records
// them in metrics when set.
func RequestLogger(metrics *monitor.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		if metrics != nil {
			metrics.ObserveHTTP(method, c.FullPath(), status, latency)
		}

		requestID := c.GetString(requestIDKey)
		if len(requestID) > 8 {
			requestID = requestID[:8]
		}
		log.Printf("[API] %s | %s %s | %d | %v | %s", requestID, method, path, status, latency, c.ClientIP())
	}
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", apperr.ErrTokenInvalid.WithDetail("missing Authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", apperr.ErrTokenInvalid.WithDetail("invalid Authorization header")
	}
	return parts[1], nil
}

// AuthMiddleware verifies the bearer token and stores the session and the
// routing identity on the context.
func AuthMiddleware(authority *auth.Authority, r *router.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			fail(c, err)
			return
		}
		session, err := authority.Verify(token)
		if err != nil {
			fail(c, err)
			return
		}
		c.Set(sessionKey, session)
		c.Set(identityKey, r.Identity(session))
		c.Next()
	}
}

// RequireScope rejects sessions lacking scope with 403.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !currentSession(c).HasScope(scope) {
			fail(c, apperr.ErrForbidden.WithDetail("requires %s scope", scope))
			return
		}
		c.Next()
	}
}

// HandleMiddleware resolves the caller's engine handle through the router
// and carries it on the request context.
func HandleMiddleware(r *router.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		h, err := r.Resolve(c.GetString(identityKey))
		if err != nil {
			fail(c, err)
			return
		}
		c.Request = c.Request.WithContext(router.WithHandle(c.Request.Context(), h))
		c.Next()
	}
}

func currentSession(c *gin.Context) *auth.Session {
	if v, ok := c.Get(sessionKey); ok {
		if s, ok := v.(*auth.Session); ok {
			return s
		}
	}
	return &auth.Session{}
}

func identity(c *gin.Context) string { return c.GetString(identityKey) }

// readerKey scopes cached reads to the caller, also when every caller shares
// one engine.
func readerKey(c *gin.Context) string {
	if id := currentSession(c).UserID; id != "" {
		return id
	}
	return identity(c)
}
