package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/ports/adapter"
)

var _ adapter.PaymentGateway = (*NoopPaymentGateway)(nil)

// NoopPaymentGateway is an in-memory gateway for local development without gateway credentials.
type NoopPaymentGateway struct {
	mu            sync.Mutex
	seq           int64
	subscriptions map[string]*adapter.SubscriptionRef
	refunds       map[string]*adapter.RefundRef
}

func NewNoopPaymentGateway() *NoopPaymentGateway {
	return &NoopPaymentGateway{
		subscriptions: make(map[string]*adapter.SubscriptionRef),
		refunds:       make(map[string]*adapter.RefundRef),
	}
}

func (g *NoopPaymentGateway) Name() string  { return "noop" }
func (g *NoopPaymentGateway) KeyID() string { return "rzp_noop" }

func (g *NoopPaymentGateway) next(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_noop%d", prefix, g.seq)
}

func (g *NoopPaymentGateway) CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*adapter.OrderRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &adapter.OrderRef{ID: g.next("order"), Amount: amount, Currency: currency, Receipt: receipt, Status: "created"}, nil
}

func (g *NoopPaymentGateway) CreatePlan(ctx context.Context, name string, amount int64, currency, description string) (*adapter.PlanRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &adapter.PlanRef{ID: g.next("plan"), Period: "monthly", Interval: 1, Amount: amount, Currency: currency}, nil
}

func (g *NoopPaymentGateway) CreateSubscription(ctx context.Context, planID string, totalCount int, notes map[string]string) (*adapter.SubscriptionRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now().UTC()
	ref := &adapter.SubscriptionRef{ID: g.next("sub"), PlanID: planID, Status: "created", TotalCount: totalCount, StartAt: &now}
	g.subscriptions[ref.ID] = ref
	cp := *ref
	return &cp, nil
}

func (g *NoopPaymentGateway) FetchSubscription(ctx context.Context, subscriptionID string) (*adapter.SubscriptionRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ref, ok := g.subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("noop subscription %s: %w", subscriptionID, domain.ErrNotFound)
	}
	cp := *ref
	return &cp, nil
}

func (g *NoopPaymentGateway) RefundPayment(ctx context.Context, gatewayPaymentID string, amount int64, idempotencyKey string, notes map[string]string) (*adapter.RefundRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ref, ok := g.refunds[idempotencyKey]; ok && idempotencyKey != "" {
		cp := *ref
		return &cp, nil
	}
	ref := &adapter.RefundRef{ID: g.next("rfnd"), PaymentID: gatewayPaymentID, Amount: amount, Status: "processed"}
	if idempotencyKey != "" {
		g.refunds[idempotencyKey] = ref
	}
	cp := *ref
	return &cp, nil
}
