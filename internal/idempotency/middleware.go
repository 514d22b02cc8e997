package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/holdpay/internal/auth"
	"github.com/mbd888/holdpay/internal/logging"
	"github.com/mbd888/holdpay/internal/metrics"
)

const (
	// Header is the standard HTTP header for idempotency keys.
	Header = "Idempotency-Key"
	// ReplayHeader is set on responses served from the cache.
	ReplayHeader = "X-Idempotency-Hit"

	// DefaultTTL is how long responses are replayable.
	DefaultTTL = 24 * time.Hour
	// LockTimeout bounds the in-flight lock if a request dies mid-way.
	LockTimeout = 90 * time.Second

	maxKeyLength = 255
)

// bodyWriter captures the response body while still writing to the client.
type bodyWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware replays cached 2xx responses for repeated Idempotency-Key
// values on POST requests.
//
//   - same key, same body, completed: the cached response is returned
//   - same key, still in flight: 409 conflict
//   - same key, different body: 422 idempotency_key_reused
//
// Requests without the header, and non-POST requests, pass through. Only
// 2xx responses are cached, so a failed attempt can be retried with the
// same key.
func Middleware(store Store, ttl time.Duration) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return func(c *gin.Context) {
		key := c.GetHeader(Header)
		if key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}
		if len(key) > maxKeyLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": "Idempotency-Key must be at most 255 characters.",
			})
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": "Could not read request body.",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		fingerprint := digest(body)

		ctx := c.Request.Context()
		logger := logging.L(ctx)
		scoped := scopeKey(c, key)

		cached, err := store.Get(ctx, scoped)
		if err != nil {
			unavailable(c, logger, "lookup", err)
			return
		}
		if cached != nil {
			replay(c, cached, fingerprint)
			return
		}

		acquired, err := store.Lock(ctx, scoped, LockTimeout)
		if err != nil {
			unavailable(c, logger, "lock", err)
			return
		}
		if !acquired {
			metrics.IdempotentReplaysTotal.WithLabelValues("conflict").Inc()
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":   "conflict",
				"message": "A request with this idempotency key is currently being processed.",
			})
			return
		}
		defer func() {
			if err := store.Unlock(context.WithoutCancel(ctx), scoped); err != nil {
				logger.Warn("idempotency unlock failed", "error", err)
			}
		}()

		w := &bodyWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status < 200 || status >= 300 {
			return
		}
		resp := &Response{
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.body.Bytes(),
			Fingerprint: fingerprint,
		}
		if err := store.Save(context.WithoutCancel(ctx), scoped, resp, ttl); err != nil {
			logger.Warn("idempotency save failed", "error", err)
		}
	}
}

func replay(c *gin.Context, cached *Response, fingerprint string) {
	if cached.Fingerprint != fingerprint {
		metrics.IdempotentReplaysTotal.WithLabelValues("mismatch").Inc()
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "idempotency_key_reused",
			"message": "This idempotency key was used with a different request body.",
		})
		return
	}
	metrics.IdempotentReplaysTotal.WithLabelValues("replayed").Inc()
	c.Header(ReplayHeader, "true")
	contentType := cached.ContentType
	if contentType == "" {
		contentType = "application/json; charset=utf-8"
	}
	c.Data(cached.Status, contentType, cached.Body)
	c.Abort()
}

func unavailable(c *gin.Context, logger *slog.Logger, op string, err error) {
	logger.Error("idempotency store unavailable", "op", op, "error", err)
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
		"error":   "try_again",
		"message": "Idempotency store unavailable. Retry with the same key.",
	})
}

// scopeKey namespaces key by caller and request path.
func scopeKey(c *gin.Context, key string) string {
	caller := "anonymous"
	if id, ok := auth.AccountID(c); ok {
		caller = strconv.FormatInt(id, 10)
	} else if auth.IsAdmin(c) {
		caller = auth.ActorAdmin
	}
	return caller + ":" + c.Request.Method + ":" + c.Request.URL.Path + ":" + key
}

func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
