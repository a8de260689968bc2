package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/settlement/internal/domain"
	"kasirinaja/settlement/internal/numbering"
	"kasirinaja/settlement/internal/service"
	"kasirinaja/settlement/internal/settlement"
	"kasirinaja/settlement/internal/store/memory"
)

// newTestAPI wires the real service, engine and auth manager over a seeded
// in-memory store so handler tests cover the full request path.
func newTestAPI(t *testing.T, opts ...memory.Option) (*API, *memory.Store) {
	t.Helper()

	repo := memory.NewSeeded(opts...)
	engine := settlement.NewEngine(repo, numbering.NewRandomGenerator("TRX"), settlement.DefaultOptions(), zerolog.Nop())
	svc := service.New(repo, engine, nil, service.Config{
		DefaultCompanyID: memory.DemoCompanyID,
		DefaultTaxRate:   decimal.RequireFromString("0.11"),
	}, zerolog.Nop())
	auth := NewAuthManager("test-secret-key", time.Hour, repo, zerolog.Nop())

	return New(svc, auth, Options{AllowedOrigin: "*", LoginRatePerMinute: 5}, zerolog.Nop()), repo
}

func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func login(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()
	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var payload domain.LoginResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	require.NotEmpty(t, payload.AccessToken)
	return payload.AccessToken
}

func call(handler http.Handler, method string, path string, token string, payload any, headers ...string) *httptest.ResponseRecorder {
	var body bytes.Buffer
	if payload != nil {
		_ = json.NewEncoder(&body).Encode(payload)
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body
}

func mieSale(tender string) domain.SettleRequest {
	return domain.SettleRequest{
		Items:   []domain.CartItemRequest{{ProductID: "prod-mie", Quantity: 2}},
		Tenders: []domain.TenderRequest{{PaymentMethodID: "pm-cash", Amount: decimal.RequireFromString(tender)}},
	}
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)

	res := call(api.Handler(), http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, true, decodeBody(t, res)["ok"])
}

func TestHandleLogin(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	assert.NotEmpty(t, login(t, handler, "admin", "admin123"))

	res := call(handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestSettleRequiresAuth(t *testing.T) {
	api, _ := newTestAPI(t)

	res := call(api.Handler(), http.MethodPost, "/api/v1/settlements", "", mieSale("10.00"))
	assert.Equal(t, http.StatusUnauthorized, res.Code)

	res = call(api.Handler(), http.MethodPost, "/api/v1/settlements", "not-a-token", mieSale("10.00"))
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestQuoteAndPaymentMethods(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "cashier", "cashier123")

	res := call(handler, http.MethodPost, "/api/v1/cart/quote", token, domain.QuoteRequest{
		Items: []domain.CartItemRequest{{ProductID: "prod-mie", Quantity: 2}},
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var totals domain.TotalsResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&totals))
	assert.Equal(t, "7.77", totals.GrandTotal)

	res = call(handler, http.MethodGet, "/api/v1/payment-methods", token, nil)
	require.Equal(t, http.StatusOK, res.Code)
	methods, ok := decodeBody(t, res)["payment_methods"].([]any)
	require.True(t, ok)
	assert.NotEmpty(t, methods)
}

func TestSettleAndReplayWithIdempotencyHeader(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "cashier", "cashier123")

	res := call(handler, http.MethodPost, "/api/v1/settlements", token, mieSale("10.00"), "Idempotency-Key", "till-1-0001")
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	var first domain.SettleResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&first))
	assert.Equal(t, "2.23", first.Change)
	assert.Equal(t, "completed", first.Transaction.Status)

	res = call(handler, http.MethodPost, "/api/v1/settlements", token, mieSale("10.00"), "Idempotency-Key", "till-1-0001")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	var replay domain.SettleResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&replay))
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.TransactionNumber, replay.TransactionNumber)

	res = call(handler, http.MethodGet, "/api/v1/transactions/"+first.TransactionNumber, token, nil)
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, first.TransactionNumber, decodeBody(t, res)["transaction_number"])
}

func TestSettleRejectsMismatchedIdempotencyKeys(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "cashier", "cashier123")
	req := mieSale("10.00")
	req.IdempotencyKey = "body-key"

	res := call(handler, http.MethodPost, "/api/v1/settlements", token, req, "Idempotency-Key", "header-key")
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestSettleErrorMapping(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "cashier", "cashier123")

	res := call(handler, http.MethodPost, "/api/v1/settlements", token, domain.SettleRequest{
		Items:   []domain.CartItemRequest{{ProductID: "prod-teh", Quantity: 6}},
		Tenders: []domain.TenderRequest{{PaymentMethodID: "pm-cash", Amount: decimal.RequireFromString("100.00")}},
	})
	require.Equal(t, http.StatusConflict, res.Code)
	body := decodeBody(t, res)
	assert.Equal(t, "insufficient_stock", body["code"])
	assert.Equal(t, "prod-teh", body["product_id"])
	assert.EqualValues(t, 5, body["available"])
	assert.EqualValues(t, 6, body["requested"])

	res = call(handler, http.MethodPost, "/api/v1/settlements", token, mieSale("5.00"))
	require.Equal(t, http.StatusPaymentRequired, res.Code)
	body = decodeBody(t, res)
	assert.Equal(t, "payment_incomplete", body["code"])
	assert.Equal(t, "2.77", body["remaining"])

	res = call(handler, http.MethodPost, "/api/v1/settlements", token, domain.SettleRequest{
		Items:   []domain.CartItemRequest{{ProductID: "prod-mie", Quantity: 1}},
		Tenders: []domain.TenderRequest{{PaymentMethodID: "pm-card", Amount: decimal.RequireFromString("3.89")}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code)
	assert.Equal(t, "missing_reference", decodeBody(t, res)["code"])

	res = call(handler, http.MethodGet, "/api/v1/transactions/TRX-UNKNOWN", token, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestSettleLockTimeoutReturns503(t *testing.T) {
	api, repo := newTestAPI(t, memory.WithLockTimeout(50*time.Millisecond))
	handler := api.Handler()
	token := login(t, handler, "cashier", "cashier123")

	release, err := repo.HoldStockLock(context.Background(), "prod-mie")
	require.NoError(t, err)
	defer release()

	res := call(handler, http.MethodPost, "/api/v1/settlements", token, mieSale("10.00"))
	require.Equal(t, http.StatusServiceUnavailable, res.Code, res.Body.String())
	assert.Equal(t, "1", res.Header().Get("Retry-After"))
	body := decodeBody(t, res)
	assert.Equal(t, "lock_timeout", body["code"])
	assert.Equal(t, true, body["retryable"])
}

func TestSettlementFailureHidesDetails(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	token := login(t, handler, "cashier", "cashier123")
	repo.SetFailureHook(func(stage string) error {
		if stage == memory.StageInsertPayments {
			return errors.New("disk on fire at /var/lib/db")
		}
		return nil
	})

	res := call(handler, http.MethodPost, "/api/v1/settlements", token, mieSale("10.00"))
	require.Equal(t, http.StatusInternalServerError, res.Code)
	body := decodeBody(t, res)
	assert.Equal(t, "settlement failed", body["error"])
	assert.NotContains(t, res.Body.String(), "disk on fire")
}

func TestTransactionActionsRequireAdmin(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	cashier := login(t, handler, "cashier", "cashier123")
	admin := login(t, handler, "admin", "admin123")

	res := call(handler, http.MethodPost, "/api/v1/settlements", cashier, mieSale("10.00"))
	require.Equal(t, http.StatusCreated, res.Code)
	var sale domain.SettleResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&sale))
	path := "/api/v1/transactions/" + sale.TransactionNumber

	res = call(handler, http.MethodPost, path+"/cancel", cashier, domain.TransactionActionRequest{Reason: "oops"})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = call(handler, http.MethodPost, path+"/refund", admin, domain.TransactionActionRequest{Reason: "damaged"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, "refunded", decodeBody(t, res)["status"])

	res = call(handler, http.MethodPost, path+"/cancel", admin, nil)
	require.Equal(t, http.StatusConflict, res.Code)
	assert.Equal(t, "invalid_transition", decodeBody(t, res)["code"])

	res = call(handler, http.MethodGet, "/api/v1/audit-logs?limit=10", admin, nil)
	require.Equal(t, http.StatusOK, res.Code)
	logs, ok := decodeBody(t, res)["audit_logs"].([]any)
	require.True(t, ok)
	assert.Len(t, logs, 2)
}
