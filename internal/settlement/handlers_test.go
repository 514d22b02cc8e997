package settlement

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/holdpay/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func headerCaller(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.GetHeader("X-Account-ID"), 10, 64)
	return id, err == nil
}

func setupRouter(f *fixture) *gin.Engine {
	h := NewHandler(f.svc, headerCaller)
	r := gin.New()
	g := r.Group("/v1")
	h.RegisterRoutes(g)
	h.RegisterAdminRoutes(g)
	return r
}

func call(r http.Handler, method, path, body string, caller int64) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if caller != 0 {
		req.Header.Set("X-Account-ID", strconv.FormatInt(caller, 10))
	}
	r.ServeHTTP(w, req)
	return w
}

func decodeTx(t *testing.T, w *httptest.ResponseRecorder) ledger.Transaction {
	t.Helper()
	var body struct {
		Transaction ledger.Transaction `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Transaction
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error
}

func TestHandler_CreateTransfer(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)

	w := call(r, http.MethodPost, "/v1/transfers",
		`{"receiverEmail":"receiver@example.com","amount":"12.50","purpose":"Goods and Services","note":"book"}`, f.sender.ID)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tx := decodeTx(t, w)
	assert.Equal(t, ledger.StatusPending, tx.Status)
	assert.Equal(t, ledger.PurposeGoodsServices, tx.Purpose)
	assert.True(t, tx.Amount.Equal(d("12.50")))

	w = call(r, http.MethodPost, "/v1/transfers",
		`{"receiverEmail":"receiver@example.com","amount":"1","purpose":"gift"}`, f.sender.ID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_failed", errorCode(t, w))

	w = call(r, http.MethodPost, "/v1/transfers",
		`{"receiverEmail":"receiver@example.com","amount":"1000","purpose":"friends_family"}`, f.sender.ID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "insufficient_funds", errorCode(t, w))

	w = call(r, http.MethodPost, "/v1/transfers",
		`{"receiverEmail":"nobody@example.com","amount":"1","purpose":"friends_family"}`, f.sender.ID)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = call(r, http.MethodPost, "/v1/transfers", `{"receiverEmail":"receiver@example.com"}`, f.sender.ID)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, http.MethodPost, "/v1/transfers",
		`{"receiverEmail":"receiver@example.com","amount":"1","purpose":"friends_family"}`, 0)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_PolicyRejection(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	f.mutate(t, f.receiver.ID, func(a *ledger.Account) { a.RiskScore = 10 })

	w := call(r, http.MethodPost, "/v1/transfers",
		`{"receiverEmail":"receiver@example.com","amount":"5","purpose":"goods_services"}`, f.sender.ID)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "policy_rejection", errorCode(t, w))
}

func TestHandler_DisputeAndResolve(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	tx := f.send(t, "40", "goods_services")

	path := fmt.Sprintf("/v1/transfers/%d/dispute", tx.ID)
	w := call(r, http.MethodPost, path, `{"evidence":"s3://evidence/1"}`, f.receiver.ID)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(r, http.MethodPost, path, `{"evidence":"s3://evidence/1"}`, f.sender.ID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res ReversalResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.RefundAmount.Equal(d("40")))
	assert.Equal(t, 1, res.PairScore)

	w = call(r, http.MethodPost, path, "", f.sender.ID)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = call(r, http.MethodGet, "/v1/admin/disputes", "", 0)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	resolve := fmt.Sprintf("/v1/admin/disputes/%d/resolve", tx.ID)
	w = call(r, http.MethodPost, resolve, `{"action":"nope"}`, 0)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = call(r, http.MethodPost, resolve, `{"action":"credit_receiver"}`, 0)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, ledger.StatusCompleted, decodeTx(t, w).Status)
}

func TestHandler_ResolveInsufficientFundsIsConflict(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	tx := f.send(t, "80", "goods_services")
	_, err := f.svc.OpenDispute(t.Context(), tx.ID, f.sender.ID, "")
	require.NoError(t, err)
	f.mutate(t, f.sender.ID, func(a *ledger.Account) {
		a.Balance = d("10")
		a.AvailableBalance = d("10")
	})

	w := call(r, http.MethodPost, fmt.Sprintf("/v1/admin/disputes/%d/resolve", tx.ID), `{"action":"credit_receiver"}`, 0)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "insufficient_funds", errorCode(t, w))
}

func TestHandler_RequestLifecycle(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)

	w := call(r, http.MethodPost, "/v1/requests", `{"payerEmail":"sender@example.com","amount":"20"}`, f.receiver.ID)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decodeTx(t, w)
	assert.Equal(t, ledger.KindRequest, req.Kind)

	respond := fmt.Sprintf("/v1/requests/%d/respond", req.ID)
	w = call(r, http.MethodPost, respond, `{"action":"accept"}`, f.receiver.ID)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = call(r, http.MethodPost, respond, `{"action":"accept"}`, f.sender.ID)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, ledger.StatusCompleted, decodeTx(t, w).Status)

	w = call(r, http.MethodPost, fmt.Sprintf("/v1/requests/%d/cancel", req.ID), "", f.receiver.ID)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_TransferVisibility(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	outsider := f.account(t, "outsider@example.com", "0")
	tx := f.send(t, "5", "friends_family")

	path := fmt.Sprintf("/v1/transfers/%d", tx.ID)
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, path, "", f.sender.ID).Code)
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, path, "", f.receiver.ID).Code)
	assert.Equal(t, http.StatusForbidden, call(r, http.MethodGet, path, "", outsider.ID).Code)
	assert.Equal(t, http.StatusNotFound, call(r, http.MethodGet, "/v1/transfers/999", "", f.sender.ID).Code)
	assert.Equal(t, http.StatusBadRequest, call(r, http.MethodGet, "/v1/transfers/abc", "", f.sender.ID).Code)

	w := call(r, http.MethodGet, path+"/logs", "", f.receiver.ID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
}

func TestHandler_ResetClaim(t *testing.T) {
	f := newFixture(t)
	r := setupRouter(f)
	tx := f.dueEscrow(t, "10")

	path := fmt.Sprintf("/v1/admin/transfers/%d/reset-claim", tx.ID)
	w := call(r, http.MethodPost, path, "", 0)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decodeTx(t, w).InProgress)

	w = call(r, http.MethodPost, path, "", 0)
	assert.Equal(t, http.StatusConflict, w.Code)
}
