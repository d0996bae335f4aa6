//go:build !integration

package usecase_test

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/model"
	"payment-settlement/internal/domain/ports/adapter"
	"payment-settlement/internal/domain/ports/repository"
)

// =============================
// Adapters
// =============================

// ---- Mock PaymentGateway ----

type MockPaymentGateway struct {
	CreateOrderFunc        func(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*adapter.OrderRef, error)
	CreatePlanFunc         func(ctx context.Context, name string, amount int64, currency, description string) (*adapter.PlanRef, error)
	CreateSubscriptionFunc func(ctx context.Context, planID string, totalCount int, notes map[string]string) (*adapter.SubscriptionRef, error)
	FetchSubscriptionFunc  func(ctx context.Context, id string) (*adapter.SubscriptionRef, error)
	RefundPaymentFunc      func(ctx context.Context, gatewayPaymentID string, amount int64, idempotencyKey string, notes map[string]string) (*adapter.RefundRef, error)

	OrderCalls        atomic.Int32
	PlanCalls         atomic.Int32
	SubscriptionCalls atomic.Int32
	RefundCalls       atomic.Int32
}

var _ adapter.PaymentGateway = (*MockPaymentGateway)(nil)

func (m *MockPaymentGateway) Name() string  { return "mockpay" }
func (m *MockPaymentGateway) KeyID() string { return "rzp_test_key" }

func (m *MockPaymentGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*adapter.OrderRef, error) {
	m.OrderCalls.Add(1)
	if m.CreateOrderFunc != nil {
		return m.CreateOrderFunc(ctx, amount, currency, receipt, notes)
	}
	return &adapter.OrderRef{ID: "order_" + uuid.NewString()[:8], Amount: amount, Currency: currency, Receipt: receipt, Status: "created"}, nil
}

func (m *MockPaymentGateway) CreatePlan(ctx context.Context, name string, amount int64, currency, description string) (*adapter.PlanRef, error) {
	m.PlanCalls.Add(1)
	if m.CreatePlanFunc != nil {
		return m.CreatePlanFunc(ctx, name, amount, currency, description)
	}
	return &adapter.PlanRef{ID: "plan_" + uuid.NewString()[:8], Period: "monthly", Interval: 1, Amount: amount, Currency: currency}, nil
}

func (m *MockPaymentGateway) CreateSubscription(ctx context.Context, planID string, totalCount int, notes map[string]string) (*adapter.SubscriptionRef, error) {
	m.SubscriptionCalls.Add(1)
	if m.CreateSubscriptionFunc != nil {
		return m.CreateSubscriptionFunc(ctx, planID, totalCount, notes)
	}
	return &adapter.SubscriptionRef{ID: "sub_" + uuid.NewString()[:8], PlanID: planID, Status: "created", TotalCount: totalCount}, nil
}

func (m *MockPaymentGateway) FetchSubscription(ctx context.Context, id string) (*adapter.SubscriptionRef, error) {
	if m.FetchSubscriptionFunc != nil {
		return m.FetchSubscriptionFunc(ctx, id)
	}
	return &adapter.SubscriptionRef{ID: id, Status: "created"}, nil
}

func (m *MockPaymentGateway) RefundPayment(ctx context.Context, gatewayPaymentID string, amount int64, idempotencyKey string, notes map[string]string) (*adapter.RefundRef, error) {
	m.RefundCalls.Add(1)
	if m.RefundPaymentFunc != nil {
		return m.RefundPaymentFunc(ctx, gatewayPaymentID, amount, idempotencyKey, notes)
	}
	return &adapter.RefundRef{ID: "rfnd_" + gatewayPaymentID, PaymentID: gatewayPaymentID, Amount: amount, Status: "processed"}, nil
}

// ---- In-memory Locker ----

type MockLocker struct {
	mu    sync.Mutex
	held  map[string]string
	ErrOn map[string]error
}

var _ adapter.Locker = (*MockLocker)(nil)

func NewMockLocker() *MockLocker {
	return &MockLocker{held: map[string]string{}, ErrOn: map[string]error{}}
}

func (l *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, bad := l.ErrOn[key]; bad {
		return "", err
	}
	if tok, ok := l.held[key]; ok && tok != "" {
		return "", domain.ErrLockNotAcquired
	}
	tok := uuid.NewString()
	l.held[key] = tok
	return tok, nil
}

func (l *MockLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

// ---- In-memory IdempotencyStore ----

type idemEntry struct {
	done   bool
	result []byte
}

type MockIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]idemEntry
}

var _ adapter.IdempotencyStore = (*MockIdempotencyStore)(nil)

func NewMockIdempotencyStore() *MockIdempotencyStore {
	return &MockIdempotencyStore{entries: map[string]idemEntry{}}
}

func (s *MockIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		if e.done {
			return e.result, false, nil
		}
		return nil, false, nil
	}
	s.entries[key] = idemEntry{}
	return nil, true, nil
}

func (s *MockIdempotencyStore) Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = idemEntry{done: true, result: result}
	return nil
}

func (s *MockIdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// =============================
// Repositories
// =============================

// ---- Mock PaymentRepository ----

type MockPaymentRepo struct {
	mu   sync.Mutex
	byID map[string]*model.Payment

	CreateFunc func(ctx context.Context, tx repository.Tx, p *model.Payment) error
}

var _ repository.PaymentRepository = (*MockPaymentRepo)(nil)

func NewMockPaymentRepo() *MockPaymentRepo {
	return &MockPaymentRepo{byID: map[string]*model.Payment{}}
}

func clonePayment(p *model.Payment) *model.Payment {
	cp := *p
	return &cp
}

func (m *MockPaymentRepo) Create(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	if m.CreateFunc != nil {
		if err := m.CreateFunc(ctx, tx, p); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.byID[p.ID] = clonePayment(p)
	return nil
}

func (m *MockPaymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePayment(p), nil
}

func (m *MockPaymentRepo) FindByOrderID(ctx context.Context, tx repository.Tx, orderID string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.OrderID != nil && *p.OrderID == orderID {
			return clonePayment(p), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockPaymentRepo) ExistsForPeriod(ctx context.Context, tx repository.Tx, userID, enrollmentID, period string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.UserID == userID && p.EnrollmentID == enrollmentID && p.PaymentPeriod == period && p.Status != model.PaymentStatusFailed {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockPaymentRepo) AttachOrder(ctx context.Context, tx repository.Tx, id, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok || p.Status != model.PaymentStatusPending || p.OrderID != nil {
		return false, nil
	}
	p.OrderID = &orderID
	p.Status = model.PaymentStatusAttempted
	return true, nil
}

func (m *MockPaymentRepo) MarkCompletedIfOpen(ctx context.Context, tx repository.Tx, id string, in repository.CompletionInput) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok || !p.IsOpen() {
		return false, nil
	}
	txID, date := in.TransactionID, in.PaymentDate
	p.Status = model.PaymentStatusCompleted
	p.TransactionID = &txID
	p.PaymentDate = &date
	p.ReceiptNumber = in.ReceiptNumber
	return true, nil
}

func (m *MockPaymentRepo) MarkFailedIfOpen(ctx context.Context, tx repository.Tx, id string, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok || !p.IsOpen() {
		return false, nil
	}
	p.Status = model.PaymentStatusFailed
	p.FailureReason = &reason
	return true, nil
}

func (m *MockPaymentRepo) ApplyRefund(ctx context.Context, tx repository.Tx, id string, in repository.RefundInput) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok || p.Status != model.PaymentStatusCompleted || p.Refunded || in.Amount > p.Amount {
		return false, nil
	}
	amount, reason, date := in.Amount, in.Reason, in.Date
	p.Refunded = true
	p.RefundAmount = &amount
	p.RefundReason = &reason
	p.RefundDate = &date
	p.RefundGatewayID = in.GatewayID
	return true, nil
}

func (m *MockPaymentRepo) List(ctx context.Context, tx repository.Tx, f model.PaymentFilter) ([]*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Payment
	for _, p := range m.byID {
		if f.UserID != "" && p.UserID != f.UserID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.Method != "" && p.Method != f.Method {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MockPaymentRepo) Stats(ctx context.Context, tx repository.Tx, f model.PaymentFilter) (*model.PaymentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &model.PaymentStats{
		CountByStatus:   map[model.PaymentStatus]int{},
		RevenueByMethod: map[string]int64{},
		RevenueBySport:  map[string]int64{},
		RevenueByBatch:  map[string]int64{},
	}
	for _, p := range m.byID {
		st.CountByStatus[p.Status]++
		if p.Status != model.PaymentStatusCompleted {
			continue
		}
		st.TotalRevenue += p.Amount
		st.RevenueByMethod[p.Method] += p.Amount
		if p.RefundAmount != nil {
			st.RefundedTotal += *p.RefundAmount
		}
	}
	return st, nil
}

// ---- Mock CatalogRepository ----

type MockCatalogRepo struct {
	mu          sync.Mutex
	sports      map[string]*model.Sport
	batches     map[string]*model.Batch
	enrollments map[string]*model.Enrollment
}

var _ repository.CatalogRepository = (*MockCatalogRepo)(nil)

func NewMockCatalogRepo() *MockCatalogRepo {
	return &MockCatalogRepo{
		sports:      map[string]*model.Sport{},
		batches:     map[string]*model.Batch{},
		enrollments: map[string]*model.Enrollment{},
	}
}

func (m *MockCatalogRepo) AddSport(s *model.Sport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sports[s.ID] = &cp
}

func (m *MockCatalogRepo) AddBatch(b *model.Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches[b.ID] = &cp
}

func (m *MockCatalogRepo) AddEnrollment(e *model.Enrollment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.enrollments[e.ID] = &cp
}

func (m *MockCatalogRepo) FindSport(ctx context.Context, tx repository.Tx, id string) (*model.Sport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sports[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockCatalogRepo) FindBatch(ctx context.Context, tx repository.Tx, id string) (*model.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MockCatalogRepo) FindEnrollment(ctx context.Context, tx repository.Tx, id string) (*model.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MockCatalogRepo) SetSportPlanIDIfEmpty(ctx context.Context, tx repository.Tx, sportID, planID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sports[sportID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if s.HasPlan() {
		return false, nil
	}
	s.RazorpayPlanID = &planID
	return true, nil
}

// ---- Mock SubscriptionRepository ----

type MockSubscriptionRepo struct {
	mu   sync.Mutex
	byID map[string]*model.Subscription

	CreateFunc func(ctx context.Context, tx repository.Tx, s *model.Subscription) error
}

var _ repository.SubscriptionRepository = (*MockSubscriptionRepo)(nil)

func NewMockSubscriptionRepo() *MockSubscriptionRepo {
	return &MockSubscriptionRepo{byID: map[string]*model.Subscription{}}
}

func (m *MockSubscriptionRepo) Create(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	if m.CreateFunc != nil {
		if err := m.CreateFunc(ctx, tx, s); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.byID {
		if o.UserID == s.UserID && o.BatchID == s.BatchID && model.IsOpenSubscriptionStatus(o.Status) {
			return domain.ErrAlreadyExists
		}
	}
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *MockSubscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MockSubscriptionRepo) FindByGatewayID(ctx context.Context, tx repository.Tx, gatewayID string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.RazorpaySubscriptionID == gatewayID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockSubscriptionRepo) FindOpenByUserAndBatch(ctx context.Context, tx repository.Tx, userID, batchID string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.UserID == userID && s.BatchID == batchID && model.IsOpenSubscriptionStatus(s.Status) {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockSubscriptionRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string) ([]*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Subscription
	for _, s := range m.byID {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockSubscriptionRepo) ListOpen(ctx context.Context, tx repository.Tx, limit int) ([]*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Subscription
	for _, s := range m.byID {
		if model.IsOpenSubscriptionStatus(s.Status) && len(out) < limit {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockSubscriptionRepo) UpdateStatus(ctx context.Context, tx repository.Tx, id, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.Status == status {
		return false, nil
	}
	s.Status = status
	return true, nil
}

// ---- Mock OutboxRepository ----

type MockOutboxRepo struct {
	mu       sync.Mutex
	Messages []*model.OutboxMessage
}

var _ repository.OutboxRepository = (*MockOutboxRepo)(nil)

func (m *MockOutboxRepo) Enqueue(ctx context.Context, tx repository.Tx, msg *model.OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, msg)
	return nil
}

func (m *MockOutboxRepo) Claim(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	return nil, nil
}

func (m *MockOutboxRepo) MarkPublished(ctx context.Context, id string) error { return nil }

func (m *MockOutboxRepo) MarkFailed(ctx context.Context, id string, retryAfterSeconds int, lastErr string) error {
	return nil
}

// Count returns how many messages carry routingKey.
func (m *MockOutboxRepo) Count(routingKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.Messages {
		if msg.RoutingKey == routingKey {
			n++
		}
	}
	return n
}

// ---- Mock TransactionManager ----

type MockTxManager struct {
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

func NewMockTxManager() *MockTxManager {
	return &MockTxManager{}
}

// WithTx runs fn immediately with NoTX unless WithTxFunc overrides it.
func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	return fn(ctx, repository.NoTX)
}

// syncBuffer collects log lines written from concurrent goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}
