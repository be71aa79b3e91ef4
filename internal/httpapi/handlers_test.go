package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"posdesk/backend/internal/cache"
	"posdesk/backend/internal/domain"
	"posdesk/backend/internal/service"
	"posdesk/backend/internal/store"
	"posdesk/backend/internal/store/memory"
)

func seededRepo(t *testing.T) *memory.Store {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_CASHIER_PASSWORD", "cashier123")
	repo, err := memory.NewSeeded(nil)
	if err != nil {
		t.Fatalf("seed memory store: %v", err)
	}
	return repo
}

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestAPIWithRepo(t, seededRepo(t))
}

func newTestAPIWithRepo(t *testing.T, repo store.Repository) *API {
	t.Helper()
	svc := service.New(repo, cache.NewMemoryPrintStash(), cache.NewMemorySettingsStore(), nil, service.Defaults{
		BranchID:     "main-branch",
		DeskID:       "desk-1",
		Currency:     "USD",
		PrintTTL:     time.Minute,
		PrintDelayMS: 300,
	})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo, nil)
	return New(svc, auth, nil, "*")
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func login(t *testing.T, handler http.Handler, username string, password string) string {
	t.Helper()
	payload, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

type client struct {
	t       *testing.T
	handler http.Handler
	token   string
	csrf    string
}

func newClient(t *testing.T, api *API, username string, password string) *client {
	t.Helper()
	handler := api.Handler()
	return &client{
		t:       t,
		handler: handler,
		token:   login(t, handler, username, password),
		csrf:    fetchCSRFToken(t, api),
	}
}

func (c *client) do(method string, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func decimalField(t *testing.T, body map[string]any, key string) decimal.Decimal {
	t.Helper()
	raw, ok := body[key].(string)
	if !ok {
		t.Fatalf("expected %s to be a decimal string, got %v", key, body[key])
	}
	return decimal.RequireFromString(raw)
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	if token := login(t, api.Handler(), "admin", "admin123"); token == "" {
		t.Fatalf("expected access token")
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "wrongpassword",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandleLogin_MissingPasswordFailsValidation(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(map[string]string{"username": "admin"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestSaleRoutesRequireAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sales/sale-1001/invoice", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestTenderSummary(t *testing.T) {
	c := newClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodPost, "/api/v1/checkout/tenders/summary", map[string]any{
		"total": "41.50",
		"tenders": []map[string]any{
			{"method": "Card", "amount": "20"},
			{"method": "cash", "amount": 30},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if got := decimalField(t, body, "change"); !got.Equal(decimal.RequireFromString("8.50")) {
		t.Fatalf("expected change 8.50, got %s", got)
	}
	if body["has_cash_tender"] != true {
		t.Fatalf("expected has_cash_tender, got %v", body["has_cash_tender"])
	}
}

func TestTenderSummaryRejectsUnknownMethod(t *testing.T) {
	c := newClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodPost, "/api/v1/checkout/tenders/summary", map[string]any{
		"total":   "10",
		"tenders": []map[string]any{{"method": "voucher", "amount": "10"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestExactAmount(t *testing.T) {
	c := newClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodPost, "/api/v1/checkout/tenders/exact", map[string]any{
		"total":   "41.50",
		"index":   1,
		"tenders": []map[string]any{{"method": "card", "amount": "20"}, {"method": "cash", "amount": ""}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if got := decimalField(t, decodeBody(t, rec), "amount"); !got.Equal(decimal.RequireFromString("21.50")) {
		t.Fatalf("expected 21.50, got %s", got)
	}
}

func TestCommitPaymentsReportsReason(t *testing.T) {
	c := newClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodPost, "/api/v1/sales/sale-1001/payments", map[string]any{
		"tenders": []map[string]any{{"method": "card", "amount": "50"}},
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if reason := decodeBody(t, rec)["reason"]; reason != "overpayment_requires_cash" {
		t.Fatalf("expected overpayment_requires_cash, got %v", reason)
	}
}

func TestCommitPaymentsThenInvoice(t *testing.T) {
	c := newClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodPost, "/api/v1/sales/sale-1001/payments", map[string]any{
		"tenders": []map[string]any{
			{"method": "mobile_wallet", "amount": "11.50", "transaction_reference": "MW-1"},
			{"method": "cash", "amount": "40"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if got := decimalField(t, decodeBody(t, rec), "change"); !got.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("expected change 10, got %s", got)
	}

	rec = c.do(http.MethodGet, "/api/v1/sales/sale-1001/invoice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if got := decimalField(t, body, "remaining_due"); !got.IsZero() {
		t.Fatalf("expected nothing due, got %s", got)
	}
	if payments, _ := body["payments"].([]any); len(payments) != 2 {
		t.Fatalf("expected 2 payment lines, got %v", body["payments"])
	}
}

func TestCommitPaymentsTwiceConflicts(t *testing.T) {
	c := newClient(t, newTestAPI(t), "cashier", "cashier123")
	body := map[string]any{"tenders": []map[string]any{{"method": "cash", "amount": "50"}}}

	if rec := c.do(http.MethodPost, "/api/v1/sales/sale-1001/payments", body); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec := c.do(http.MethodPost, "/api/v1/sales/sale-1001/payments", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestCommitPaymentsRejectsForeignTotal(t *testing.T) {
	c := newClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodPost, "/api/v1/sales/sale-1001/payments", map[string]any{
		"total":   "1",
		"tenders": []map[string]any{{"method": "card", "amount": "1"}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestUnknownSaleIsNotFound(t *testing.T) {
	c := newClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodGet, "/api/v1/sales/sale-404/invoice", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = c.do(http.MethodGet, "/api/v1/sales/sale-1001/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
}

func TestReceiptEscpos(t *testing.T) {
	c := newClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodGet, "/api/v1/sales/sale-1002/receipt/escpos", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.HardwareReceiptResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if resp.SaleID != "sale-1002" || resp.EscposBase64 == "" || resp.PreviewText == "" {
		t.Fatalf("unexpected receipt: %+v", resp)
	}
}

func TestPrintSettingsRequireAdminToSave(t *testing.T) {
	api := newTestAPI(t)
	settings := map[string]any{"paper_width": "58mm", "font_size": 10, "show_tax": false}

	cashier := newClient(t, api, "cashier", "cashier123")
	if rec := cashier.do(http.MethodPut, "/api/v1/print-settings", settings); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	admin := newClient(t, api, "admin", "admin123")
	if rec := admin.do(http.MethodPut, "/api/v1/print-settings", map[string]any{"paper_width": "70mm"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown paper width, got %d", rec.Code)
	}
	rec := admin.do(http.MethodPut, "/api/v1/print-settings", settings)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = cashier.do(http.MethodGet, "/api/v1/print-settings", nil)
	if body := decodeBody(t, rec); body["paper_width"] != "58mm" {
		t.Fatalf("expected saved paper width for the desk, got %v", body["paper_width"])
	}
}

func TestPrintJobIsReadOnce(t *testing.T) {
	c := newClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodPost, "/api/v1/print-jobs", map[string]any{"sale_id": "sale-1001"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var job domain.PrintJobResponse
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode print job: %v", err)
	}
	if job.PrintDelayMS != 300 {
		t.Fatalf("expected print delay 300, got %d", job.PrintDelayMS)
	}

	rec = c.do(http.MethodGet, "/api/v1/print-jobs/"+job.Key, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["sale_id"] != "sale-1001" {
		t.Fatalf("expected stashed invoice, got %v", body)
	}

	rec = c.do(http.MethodGet, "/api/v1/print-jobs/"+job.Key, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second read, got %d", rec.Code)
	}
}

func TestProcessReturnFlow(t *testing.T) {
	c := newClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodGet, "/api/v1/sales/sale-1001/returnable", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	request := map[string]any{
		"manager_pin": "123456",
		"notes":       "wrong colour",
		"items": []map[string]any{
			{"stock_item_id": "unit-1"},
			{"stock_item_id": "unit-2", "target_status": "InStock"},
		},
	}
	rec = c.do(http.MethodPost, "/api/v1/sales/sale-1001/returns", request)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.ProcessReturnResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode return: %v", err)
	}
	if resp.UpdatedUnits != 2 || len(resp.Items) != 1 || resp.Return.Status != domain.SaleReturnComplete {
		t.Fatalf("unexpected return response: %+v", resp)
	}

	// the same units are no longer Sold
	rec = c.do(http.MethodPost, "/api/v1/sales/sale-1001/returns", request)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for already returned units, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = c.do(http.MethodGet, "/api/v1/sales/sale-1001/returns", nil)
	var list domain.SaleReturnListResponse
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Returns) != 1 {
		t.Fatalf("expected 1 return, got %d", len(list.Returns))
	}
}

func TestProcessReturnRequiresManagerPIN(t *testing.T) {
	c := newClient(t, newTestAPI(t), "cashier", "cashier123")

	rec := c.do(http.MethodPost, "/api/v1/sales/sale-1001/returns", map[string]any{
		"manager_pin": "999999",
		"items":       []map[string]any{{"stock_item_id": "unit-1"}},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

type failingUnitStore struct {
	*memory.Store
}

func (f failingUnitStore) UpdateStockItem(_ context.Context, _ string, _ domain.StockItemPatch) error {
	return store.ErrUpstream
}

func TestProcessReturnPartialWriteIsReported(t *testing.T) {
	api := newTestAPIWithRepo(t, failingUnitStore{Store: seededRepo(t)})
	c := newClient(t, api, "cashier", "cashier123")

	rec := c.do(http.MethodPost, "/api/v1/sales/sale-1001/returns", map[string]any{
		"manager_pin": "123456",
		"items":       []map[string]any{{"stock_item_id": "unit-4"}},
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["partial"] != true || body["stage"] != "units" || body["return_id"] == "" {
		t.Fatalf("expected partial return details, got %v", body)
	}
	if body["marked"] != true {
		t.Fatalf("expected header to be marked incomplete, got %v", body["marked"])
	}
}

func TestCashiersAdminOnly(t *testing.T) {
	api := newTestAPI(t)

	cashier := newClient(t, api, "cashier", "cashier123")
	if rec := cashier.do(http.MethodGet, "/api/v1/users/cashiers", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier, got %d", rec.Code)
	}

	admin := newClient(t, api, "admin", "admin123")
	rec := admin.do(http.MethodPost, "/api/v1/users/cashiers", map[string]any{
		"username":  "nightdesk",
		"password":  "night-pass-1",
		"branch_id": "main-branch",
		"desk_id":   "desk-3",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

// TestMustHashPassword verifies that the test helper produces valid bcrypt hashes
// (used to confirm test infrastructure is sound).
func TestMustHashPassword(t *testing.T) {
	hash := mustHashPassword(t, "secret")
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")); err != nil {
		t.Fatalf("hash verification failed: %v", err)
	}
}
