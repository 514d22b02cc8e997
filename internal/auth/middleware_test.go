package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/holdpay/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(secret string) *gin.Engine {
	r := gin.New()
	r.Use(Middleware())
	r.GET("/me", RequireAccount(), func(c *gin.Context) {
		id, _ := AccountID(c)
		c.JSON(http.StatusOK, gin.H{"id": id, "actor": ledger.ActorFromContext(c.Request.Context())})
	})
	r.GET("/admin", RequireAdmin(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"admin": IsAdmin(c), "actor": ledger.ActorFromContext(c.Request.Context())})
	})
	return r
}

func do(r http.Handler, path string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_SetsAccountAndActor(t *testing.T) {
	w := do(newRouter("s3cret"), "/me", map[string]string{HeaderAccountID: "42"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":42,"actor":"account:42"}`, w.Body.String())
}

func TestRequireAccount_MissingOrInvalid(t *testing.T) {
	r := newRouter("s3cret")
	for _, v := range []string{"", "abc", "0", "-3"} {
		w := do(r, "/me", map[string]string{HeaderAccountID: v})
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", v)
	}
}

func TestRequireAdmin(t *testing.T) {
	r := newRouter("s3cret")

	w := do(r, "/admin", map[string]string{HeaderAdminSecret: "s3cret"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"admin":true,"actor":"admin"}`, w.Body.String())

	w = do(r, "/admin", map[string]string{HeaderAdminSecret: "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, "/admin", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequireAdmin_EmptySecretDisablesAdmin(t *testing.T) {
	w := do(newRouter(""), "/admin", map[string]string{HeaderAdminSecret: ""})
	assert.Equal(t, http.StatusForbidden, w.Code)
}
