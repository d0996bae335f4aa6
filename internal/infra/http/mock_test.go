package http

import (
	"context"
	"time"

	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/model"
	"payment-settlement/internal/usecase"
)

type MockSettlement struct {
	CreateChargeFunc     func(ctx context.Context, req usecase.ChargeRequest) (*usecase.ChargeResult, error)
	CheckoutInvoiceFunc  func(ctx context.Context, paymentID, key string) (*usecase.ChargeResult, error)
	HandleCallbackFunc   func(ctx context.Context, cb usecase.CheckoutCallback) (*model.Payment, error)
	HandleWebhookFunc    func(ctx context.Context, body []byte, signature string) error
	RefundFunc           func(ctx context.Context, paymentID string, amount int64, reason string) (*model.Payment, error)
	RecordOfflineFunc    func(ctx context.Context, paymentID, reference string) (*model.Payment, error)
	SubscribeFunc        func(ctx context.Context, userID, batchID, sportID, key string) (*model.CheckoutInfo, error)
	GenerateInvoicesFunc func(ctx context.Context, enrollmentID string, amount int64, userIDs []string, period string) ([]model.BulkInvoiceResult, error)
}

func (m *MockSettlement) CreateCharge(ctx context.Context, req usecase.ChargeRequest) (*usecase.ChargeResult, error) {
	return m.CreateChargeFunc(ctx, req)
}

func (m *MockSettlement) CheckoutInvoice(ctx context.Context, paymentID, key string) (*usecase.ChargeResult, error) {
	return m.CheckoutInvoiceFunc(ctx, paymentID, key)
}

func (m *MockSettlement) HandleCallback(ctx context.Context, cb usecase.CheckoutCallback) (*model.Payment, error) {
	return m.HandleCallbackFunc(ctx, cb)
}

func (m *MockSettlement) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	return m.HandleWebhookFunc(ctx, body, signature)
}

func (m *MockSettlement) Refund(ctx context.Context, paymentID string, amount int64, reason string) (*model.Payment, error) {
	return m.RefundFunc(ctx, paymentID, amount, reason)
}

func (m *MockSettlement) RecordOfflinePayment(ctx context.Context, paymentID, reference string) (*model.Payment, error) {
	return m.RecordOfflineFunc(ctx, paymentID, reference)
}

func (m *MockSettlement) Subscribe(ctx context.Context, userID, batchID, sportID, key string) (*model.CheckoutInfo, error) {
	return m.SubscribeFunc(ctx, userID, batchID, sportID, key)
}

func (m *MockSettlement) GenerateInvoices(ctx context.Context, enrollmentID string, amount int64, userIDs []string, period string) ([]model.BulkInvoiceResult, error) {
	return m.GenerateInvoicesFunc(ctx, enrollmentID, amount, userIDs, period)
}

type MockPaymentQueries struct {
	payments map[string]*model.Payment
	lastList model.PaymentFilter
	stats    *model.PaymentStats
}

func (m *MockPaymentQueries) GetByID(_ context.Context, id string) (*model.Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

func (m *MockPaymentQueries) ListByUser(_ context.Context, userID string) ([]*model.Payment, error) {
	var out []*model.Payment
	for _, p := range m.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockPaymentQueries) List(_ context.Context, f model.PaymentFilter) ([]*model.Payment, error) {
	m.lastList = f
	out := make([]*model.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		out = append(out, p)
	}
	return out, nil
}

func (m *MockPaymentQueries) Stats(_ context.Context, f model.PaymentFilter) (*model.PaymentStats, error) {
	m.lastList = f
	return m.stats, nil
}

type MockSubscriptionQueries struct {
	RefreshStatusFunc func(ctx context.Context, id string) (*model.Subscription, error)
}

func (m *MockSubscriptionQueries) RefreshStatus(ctx context.Context, id string) (*model.Subscription, error) {
	return m.RefreshStatusFunc(ctx, id)
}

func (m *MockSubscriptionQueries) ListByUser(_ context.Context, userID string) ([]*model.Subscription, error) {
	return []*model.Subscription{{ID: "sub-1", UserID: userID, Status: model.SubscriptionStatusActive}}, nil
}

type stubLimiter struct {
	allowed int
	calls   int
}

func (s *stubLimiter) Allow(_ context.Context, _ string, _ int, _ time.Duration) (bool, error) {
	s.calls++
	return s.calls <= s.allowed, nil
}

func completedPayment(id string) *model.Payment {
	tx := "pay_1"
	order := "order_1"
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return &model.Payment{
		ID: id, UserID: "user-1", EnrollmentID: "enr-1", Amount: 50000, Currency: "INR",
		Status: model.PaymentStatusCompleted, Method: model.MethodRazorpay, OrderID: &order,
		TransactionID: &tx, ReceiptNumber: "rcpt_1", PaymentDate: &now, CreatedAt: now, UpdatedAt: now,
	}
}
