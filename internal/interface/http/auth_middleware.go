package http

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yanqian/ragserver/internal/domain/auth"
)

// tokenCache memoizes successful validations so the hot path skips signature
// checks. Entries are keyed by a digest of the raw token and never outlive
// the cache TTL or the token's own expiry.
type tokenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedClaims
}

type cachedClaims struct {
	claims  auth.Claims
	expires time.Time
}

func newTokenCache(ttl time.Duration) *tokenCache {
	if ttl <= 0 || ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	return &tokenCache{ttl: ttl, entries: make(map[string]cachedClaims)}
}

func (tc *tokenCache) get(key string) (auth.Claims, bool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	entry, ok := tc.entries[key]
	if !ok || time.Now().After(entry.expires) {
		delete(tc.entries, key)
		return auth.Claims{}, false
	}
	return entry.claims, true
}

func (tc *tokenCache) put(key string, claims auth.Claims) {
	expiry := time.Now().Add(tc.ttl)
	if claims.ExpiresAt.Before(expiry) {
		expiry = claims.ExpiresAt
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.entries) > 10000 {
		tc.entries = make(map[string]cachedClaims)
	}
	tc.entries[key] = cachedClaims{claims: claims, expires: expiry}
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func authMiddleware(svc auth.Service, cache *tokenCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortWithError(c, NewHTTPError(http.StatusUnauthorized, "unauthorized", "missing authorization header", nil))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortWithError(c, NewHTTPError(http.StatusUnauthorized, "unauthorized", "invalid authorization header", nil))
			return
		}
		token := strings.TrimSpace(parts[1])
		digest := tokenDigest(token)
		if claims, ok := cache.get(digest); ok {
			setClaims(c, claims)
			c.Next()
			return
		}
		claims, err := svc.ValidateToken(c.Request.Context(), token)
		if err != nil {
			abortWithDomainError(c, err)
			return
		}
		cache.put(digest, claims)
		setClaims(c, claims)
		c.Next()
	}
}

// requireAdmin rejects non-admin principals.
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := getClaims(c)
		if !ok {
			abortWithError(c, NewHTTPError(http.StatusUnauthorized, "unauthorized", "missing token", nil))
			return
		}
		if !claims.IsAdmin() {
			abortWithError(c, NewHTTPError(http.StatusForbidden, "forbidden", "admin role required", nil))
			return
		}
		c.Next()
	}
}
