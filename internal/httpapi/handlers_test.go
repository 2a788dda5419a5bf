package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tokotempo/backend/internal/cache"
	"tokotempo/backend/internal/domain"
	"tokotempo/backend/internal/pricing"
	"tokotempo/backend/internal/service"
	"tokotempo/backend/internal/store"
	"tokotempo/backend/internal/store/memory"
)

func testParams() store.Params {
	return store.Params{
		Loyalty: pricing.Loyalty{
			EarnAmountPerPointCents:  1000,
			RedeemValuePerPointCents: 100,
			SilverThresholdCents:     100_000,
			GoldThresholdCents:       500_000,
			PlatinumThresholdCents:   2_000_000,
			BronzeMultiplier:         1,
			SilverMultiplier:         1.25,
			GoldMultiplier:           1.5,
			PlatinumMultiplier:       2,
		},
	}
}

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded(testParams())
	svc := service.New(repo, cache.NoopDiscountCache{}, 0)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*")
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

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	payload, _ := json.Marshal(map[string]string{
		"username": "admin",
		"password": "admin123",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected access_token in response")
	}
	if resp.Role != domain.RoleAdmin {
		t.Fatalf("expected admin role, got %s", resp.Role)
	}
	if resp.UserID == "" {
		t.Fatalf("expected user_id in response")
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

func TestHandleProducts_RequiresAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleProducts_WithValidToken(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["products"] == nil {
		t.Fatalf("expected products key in response, got %v", body)
	}
}

func TestCheckoutWithoutShiftReturnsConflictBody(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.CheckoutRequest{
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.CartLine{{ProductID: "prd_mie01", Qty: 1}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != domain.CodeNoActiveShift {
		t.Fatalf("expected code NO_ACTIVE_SHIFT, got %q", body.Error.Code)
	}
	if body.Error.Message == "" {
		t.Fatalf("expected error message")
	}
}

func TestCashierShiftAndSaleFlow(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/shifts/open", token, csrf, domain.ShiftOpenRequest{
		OpeningCashCents: 250_000,
		TerminalName:     "kasa-1",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("open shift: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/sales", token, csrf, domain.CheckoutRequest{
		PaymentMethod: domain.PaymentCash,
		Items:         []domain.CartLine{{ProductID: "prd_mie01", Qty: 2}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var checkout domain.CheckoutResponse
	if err := json.NewDecoder(rec.Body).Decode(&checkout); err != nil {
		t.Fatalf("decode checkout: %v", err)
	}
	if checkout.Sale.FinalAmountCents != 7000 {
		t.Fatalf("expected final amount 7000, got %d", checkout.Sale.FinalAmountCents)
	}
	if checkout.Sale.InvoiceNo == "" {
		t.Fatalf("expected invoice number")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sales/"+checkout.Sale.ID, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	api.Handler().ServeHTTP(getRec, req)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get sale: expected 200, got %d", getRec.Code)
	}

	rec = doJSON(t, api, http.MethodPost, "/api/v1/shifts/close", token, csrf, domain.ShiftCloseRequest{
		ActualCashCents: 257_000,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("close shift: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var closed domain.ShiftCloseResponse
	if err := json.NewDecoder(rec.Body).Decode(&closed); err != nil {
		t.Fatalf("decode close response: %v", err)
	}
	if closed.Shift.ApprovalStatus != domain.ApprovalNone {
		t.Fatalf("balanced close should not need approval, got %s", closed.Shift.ApprovalStatus)
	}
	if !closed.Summary.Frozen {
		t.Fatalf("expected frozen summary after close")
	}
}

func TestVoidSaleForbiddenForCashier(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")
	csrf := fetchCSRFToken(t, api)

	rec := doJSON(t, api, http.MethodPost, "/api/v1/sales/sal_x/void", token, csrf, domain.VoidSaleRequest{Reason: "no"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestDailyReportForbiddenForCashier(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/daily?date=2025-06-01", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

// doJSON posts payload to path with auth and CSRF headers set.
func doJSON(t *testing.T, api *API, method, path, token, csrf string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}
	// Each call gets its own remote address so login limits never interfere.
	req.RemoteAddr = fmt.Sprintf("192.0.2.%d:4000", len(path)%250+1)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}
