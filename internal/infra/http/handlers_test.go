//go:build !integration

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/model"
	"payment-settlement/internal/usecase"
)

const testJWTSecret = "jwt-test-secret"

type testAPI struct {
	router   http.Handler
	settle   *MockSettlement
	payments *MockPaymentQueries
	subs     *MockSubscriptionQueries
	auth     *AuthManager
}

func newTestAPI(t *testing.T, limiter RateLimiter, limit int) *testAPI {
	t.Helper()
	logger := zerolog.Nop()
	api := &testAPI{
		settle:   &MockSettlement{},
		payments: &MockPaymentQueries{payments: map[string]*model.Payment{"pay-1": completedPayment("pay-1")}},
		subs:     &MockSubscriptionQueries{},
		auth:     NewAuthManager(testJWTSecret, time.Hour),
	}
	h := NewHandler(api.settle, api.payments, api.subs, &logger)
	api.router = NewRouter(h, api.auth, limiter, RouterConfig{PublicRateLimit: limit}, &logger)
	return api
}

func (a *testAPI) do(t *testing.T, method, path, body string, admin bool, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		tok, err := a.auth.Mint("ops@academy")
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, nil, 0)
	rec := api.do(t, http.MethodGet, "/health", "", false)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestCreateOrder(t *testing.T) {
	api := newTestAPI(t, nil, 0)
	var got usecase.ChargeRequest
	api.settle.CreateChargeFunc = func(_ context.Context, req usecase.ChargeRequest) (*usecase.ChargeResult, error) {
		got = req
		return &usecase.ChargeResult{PaymentID: "pay-9", OrderID: "order_9", KeyID: "rzp_test", Amount: req.Amount, Currency: "INR", Receipt: "rcpt_x"}, nil
	}

	rec := api.do(t, http.MethodPost, "/api/v1/payments/orders",
		`{"user_id":"user-1","enrollment_id":"enr-1","amount":"499.50"}`, false, "Idempotency-Key", "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.Amount != 49950 || got.IdempotencyKey != "k1" || got.UserID != "user-1" {
		t.Errorf("unexpected charge request %+v", got)
	}
	var res usecase.ChargeResult
	decodeBody(t, rec, &res)
	if res.OrderID != "order_9" || res.KeyID != "rzp_test" {
		t.Errorf("unexpected response %+v", res)
	}
}

func TestCreateOrder_BadInput(t *testing.T) {
	api := newTestAPI(t, nil, 0)
	api.settle.CreateChargeFunc = func(context.Context, usecase.ChargeRequest) (*usecase.ChargeResult, error) {
		t.Error("coordinator must not be called")
		return nil, nil
	}
	for _, body := range []string{
		`{"user_id":"u","enrollment_id":"e","amount":"12.345"}`,
		`{"user_id":"u","enrollment_id":"e","amount":"-5"}`,
		`{"user_id":"u","enrollment_id":"e","amount":"five"}`,
		`{"user_id":"u","unexpected":true}`,
		`not json`,
	} {
		rec := api.do(t, http.MethodPost, "/api/v1/payments/orders", body, false)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestCallback(t *testing.T) {
	api := newTestAPI(t, nil, 0)
	api.settle.HandleCallbackFunc = func(_ context.Context, cb usecase.CheckoutCallback) (*model.Payment, error) {
		if cb.Signature == "bad" {
			p := completedPayment("pay-2")
			p.Status = model.PaymentStatusFailed
			p.TransactionID = nil
			return p, domain.ErrSignatureMismatch
		}
		if cb.OrderID == "order_missing" {
			return nil, domain.ErrNotFound
		}
		return completedPayment("pay-1"), nil
	}

	rec := api.do(t, http.MethodPost, "/api/v1/payments/callback",
		`{"razorpay_payment_id":"pay_1","razorpay_order_id":"order_1","razorpay_signature":"good"}`, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var ok paymentResponse
	decodeBody(t, rec, &ok)
	if ok.Status != "completed" || ok.AmountDisplay != "500.00" {
		t.Errorf("unexpected payment %+v", ok)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/payments/callback",
		`{"razorpay_payment_id":"pay_1","razorpay_order_id":"order_1","razorpay_signature":"bad"}`, false)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on mismatch, got %d", rec.Code)
	}
	var mismatch struct {
		Error   string          `json:"error"`
		Payment paymentResponse `json:"payment"`
	}
	decodeBody(t, rec, &mismatch)
	if mismatch.Payment.Status != "failed" || mismatch.Payment.TransactionID != nil {
		t.Errorf("mismatch must report the failed payment: %+v", mismatch)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/payments/callback",
		`{"razorpay_payment_id":"pay_1","razorpay_order_id":"order_missing","razorpay_signature":"good"}`, false)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown order, got %d", rec.Code)
	}
}

func TestWebhook_PassesRawBody(t *testing.T) {
	api := newTestAPI(t, nil, 0)
	const body = `{"event":"payment.captured","payload":{}}`
	api.settle.HandleWebhookFunc = func(_ context.Context, b []byte, sig string) error {
		if string(b) != body {
			t.Errorf("body altered: %q", b)
		}
		if sig != "abc" {
			return domain.ErrSignatureMismatch
		}
		return nil
	}
	if rec := api.do(t, http.MethodPost, "/api/v1/webhooks/gateway", body, false, "X-Razorpay-Signature", "abc"); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := api.do(t, http.MethodPost, "/api/v1/webhooks/gateway", body, false, "X-Razorpay-Signature", "forged"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for forged webhook, got %d", rec.Code)
	}
}

func TestNotificationResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrSignatureMismatch, "bad_signature"},
		{domain.NewValidationError("body", "is not a webhook event"), "invalid"},
		{domain.NewValidationError("amount", "does not match the invoice"), "invalid"},
		{domain.ErrPaymentTerminal, "error"},
		{errors.New("db down"), "error"},
	}
	for _, tt := range tests {
		if got := notificationResult(tt.err); got != tt.want {
			t.Errorf("notificationResult(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	api := newTestAPI(t, nil, 0)
	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/payments"},
		{http.MethodGet, "/api/v1/payments/stats"},
		{http.MethodGet, "/api/v1/payments/pay-1"},
		{http.MethodPost, "/api/v1/payments/pay-1/refund"},
		{http.MethodPost, "/api/v1/payments/pay-1/offline"},
		{http.MethodPost, "/api/v1/invoices/bulk"},
		{http.MethodPost, "/api/v1/subscriptions/sub-1/refresh"},
		{http.MethodGet, "/api/v1/users/user-1/payments"},
	}
	for _, p := range paths {
		if rec := api.do(t, p.method, p.path, "", false); rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", p.method, p.path, rec.Code)
		}
	}

	other := NewAuthManager("another-secret", time.Hour)
	tok, _ := other.Mint("intruder")
	rec := api.do(t, http.MethodGet, "/api/v1/payments/pay-1", "", false, "Authorization", "Bearer "+tok)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("token signed with another secret must be rejected, got %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/payments/pay-1", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with admin token, got %d", rec.Code)
	}
	if rec := api.do(t, http.MethodGet, "/api/v1/payments/nope", "", true); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestRefund(t *testing.T) {
	api := newTestAPI(t, nil, 0)
	api.settle.RefundFunc = func(_ context.Context, id string, amount int64, reason string) (*model.Payment, error) {
		if amount > 50000 {
			return nil, domain.NewValidationError("refund_amount", "exceeds the payment amount")
		}
		p := completedPayment(id)
		p.Refunded = true
		p.RefundAmount = &amount
		p.RefundReason = &reason
		return p, nil
	}

	rec := api.do(t, http.MethodPost, "/api/v1/payments/pay-1/refund", `{"amount":"200","reason":"customer request"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var p paymentResponse
	decodeBody(t, rec, &p)
	if !p.Refunded || *p.RefundAmount != 20000 || p.Amount != 50000 {
		t.Errorf("unexpected refund %+v", p)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/payments/pay-1/refund", `{"amount":"600","reason":"too much"}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var e errorBody
	decodeBody(t, rec, &e)
	if e.Field != "refund_amount" {
		t.Errorf("expected field in error body, got %+v", e)
	}
}

func TestOffline_EmptyBody(t *testing.T) {
	api := newTestAPI(t, nil, 0)
	var gotRef = "unset"
	api.settle.RecordOfflineFunc = func(_ context.Context, id, ref string) (*model.Payment, error) {
		gotRef = ref
		return completedPayment(id), nil
	}
	if rec := api.do(t, http.MethodPost, "/api/v1/payments/pay-1/offline", "", true); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotRef != "" {
		t.Errorf("expected empty reference, got %q", gotRef)
	}
}

func TestBulkInvoices(t *testing.T) {
	api := newTestAPI(t, nil, 0)
	api.settle.GenerateInvoicesFunc = func(_ context.Context, enr string, amount int64, users []string, period string) ([]model.BulkInvoiceResult, error) {
		if amount != 150000 || period != "2024-03" {
			t.Errorf("unexpected args %d %s", amount, period)
		}
		out := make([]model.BulkInvoiceResult, 0, len(users))
		for _, u := range users {
			if u == "" {
				out = append(out, model.BulkInvoiceResult{UserID: u, Err: domain.NewValidationError("user_id", "is required")})
				continue
			}
			out = append(out, model.BulkInvoiceResult{UserID: u, PaymentID: "p-" + u})
		}
		return out, nil
	}
	rec := api.do(t, http.MethodPost, "/api/v1/invoices/bulk",
		`{"enrollment_id":"enr-1","amount":"1500","user_ids":["a","","c"],"period":"2024-03"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res struct {
		Created int               `json:"created"`
		Failed  int               `json:"failed"`
		Results []bulkInvoiceItem `json:"results"`
	}
	decodeBody(t, rec, &res)
	if res.Created != 2 || res.Failed != 1 || res.Results[1].Error == "" {
		t.Errorf("unexpected bulk result %+v", res)
	}
}

func TestListPayments_Filter(t *testing.T) {
	api := newTestAPI(t, nil, 0)
	rec := api.do(t, http.MethodGet, "/api/v1/payments?status=completed&sport_id=sport-1&from=2024-03-01&to=2024-03-31&limit=10", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	f := api.payments.lastList
	if f.Status != model.PaymentStatusCompleted || f.SportID != "sport-1" || f.Limit != 10 {
		t.Errorf("unexpected filter %+v", f)
	}
	if f.From == nil || f.To == nil || f.To.Format(time.RFC3339Nano) != "2024-03-31T23:59:59.999999999Z" {
		t.Errorf("to date must cover the whole day: %v", f.To)
	}

	for _, q := range []string{"status=paid", "from=yesterday", "limit=-1", "offset=x"} {
		if rec := api.do(t, http.MethodGet, "/api/v1/payments?"+q, "", true); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestStats(t *testing.T) {
	api := newTestAPI(t, nil, 0)
	api.payments.stats = &model.PaymentStats{
		TotalRevenue:    100000,
		RefundedTotal:   20000,
		CountByStatus:   map[model.PaymentStatus]int{model.PaymentStatusCompleted: 2},
		RevenueByMethod: map[string]int64{"razorpay": 100000},
	}
	rec := api.do(t, http.MethodGet, "/api/v1/payments/stats", "", true)
	var body struct {
		NetRevenue    int64          `json:"net_revenue"`
		CountByStatus map[string]int `json:"count_by_status"`
	}
	decodeBody(t, rec, &body)
	if body.NetRevenue != 80000 || body.CountByStatus["completed"] != 2 {
		t.Errorf("unexpected stats %+v", body)
	}
}

func TestSubscribeAndRefresh(t *testing.T) {
	api := newTestAPI(t, nil, 0)
	api.settle.SubscribeFunc = func(_ context.Context, user, batch, sport, key string) (*model.CheckoutInfo, error) {
		if key != "sub-key" {
			t.Errorf("idempotency key not forwarded: %q", key)
		}
		if batch == "batch-dup" {
			return nil, fmt.Errorf("open subscription: %w", domain.ErrAlreadyExists)
		}
		return &model.CheckoutInfo{SubscriptionID: "sub-1", RazorpaySubscriptionID: "sub_rzp", PlanID: "plan_1", Amount: 50000, Currency: "INR"}, nil
	}
	api.subs.RefreshStatusFunc = func(_ context.Context, id string) (*model.Subscription, error) {
		return nil, &domain.GatewayError{Op: "fetch_subscription", StatusCode: 500, Code: "SERVER_ERROR", Message: "try later"}
	}

	rec := api.do(t, http.MethodPost, "/api/v1/subscriptions", `{"user_id":"u","batch_id":"batch-1","sport_id":"s"}`, false, "Idempotency-Key", "sub-key")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	rec = api.do(t, http.MethodPost, "/api/v1/subscriptions", `{"user_id":"u","batch_id":"batch-dup","sport_id":"s"}`, false, "Idempotency-Key", "sub-key")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for a duplicate open subscription, got %d", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/subscriptions/sub-1/refresh", "", true)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var e errorBody
	decodeBody(t, rec, &e)
	if e.Code != "SERVER_ERROR" || !strings.Contains(e.Error, "try later") {
		t.Errorf("gateway description must reach the client: %+v", e)
	}
}

func TestRateLimit(t *testing.T) {
	limiter := &stubLimiter{allowed: 1}
	api := newTestAPI(t, limiter, 1)
	api.settle.CheckoutInvoiceFunc = func(_ context.Context, id, _ string) (*usecase.ChargeResult, error) {
		return &usecase.ChargeResult{PaymentID: id, OrderID: "order_1"}, nil
	}
	if rec := api.do(t, http.MethodPost, "/api/v1/payments/pay-1/checkout", "", false); rec.Code != http.StatusOK {
		t.Fatalf("first call: expected 200, got %d", rec.Code)
	}
	rec := api.do(t, http.MethodPost, "/api/v1/payments/pay-1/checkout", "", false)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "60" {
		t.Errorf("second call: expected 429 with Retry-After, got %d %q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("amount", "bad"), http.StatusBadRequest},
		{domain.ErrSignatureMismatch, http.StatusBadRequest},
		{fmt.Errorf("find: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrPaymentTerminal, http.StatusConflict},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrAlreadyRefunded, http.StatusConflict},
		{domain.ErrRequestInProgress, http.StatusConflict},
		{&domain.GatewayError{Op: "create_order", StatusCode: 400}, http.StatusBadGateway},
		{&domain.ConfigurationError{Key: "GATEWAY_KEY_ID"}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
