// Package auth identifies the caller of an HTTP request.
//
// Credentials are verified upstream; by the time a request reaches this
// service the gateway has set X-Account-ID to the authenticated account.
// Administrative routes additionally require X-Admin-Secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/holdpay/internal/ledger"
)

const (
	// HeaderAccountID carries the authenticated account id.
	HeaderAccountID = "X-Account-ID"
	// HeaderAdminSecret carries the shared admin secret.
	HeaderAdminSecret = "X-Admin-Secret"

	// ContextKeyAccountID is the key for storing the caller's account id in gin context
	ContextKeyAccountID = "authAccountID"
	// ContextKeyAdmin is set when the admin secret matched
	ContextKeyAdmin = "authAdmin"

	// ActorAdmin is recorded on audit entries written by admin requests.
	ActorAdmin = "admin"
)

// Middleware reads the caller identity headers. Requests without them pass
// through unauthenticated; RequireAccount and RequireAdmin enforce presence.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader(HeaderAccountID); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
				c.Set(ContextKeyAccountID, id)
				ctx := ledger.WithActor(c.Request.Context(), "account:"+raw)
				c.Request = c.Request.WithContext(ctx)
			}
		}
		c.Next()
	}
}

// RequireAccount rejects requests without a caller account.
func RequireAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := AccountID(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Account-ID header required.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose X-Admin-Secret does not match secret.
// An empty secret disables the admin surface entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader(HeaderAdminSecret)
		if secret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required.",
			})
			return
		}
		c.Set(ContextKeyAdmin, true)
		c.Request = c.Request.WithContext(ledger.WithActor(c.Request.Context(), ActorAdmin))
		c.Next()
	}
}

// AccountID returns the authenticated caller's account id.
func AccountID(c *gin.Context) (int64, bool) {
	v, exists := c.Get(ContextKeyAccountID)
	if !exists {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}

// IsAdmin reports whether RequireAdmin accepted the request.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ContextKeyAdmin)
}
