package adapter

import (
	"context"
	"time"
)

// MaxReceiptLength is the gateway's limit on the order receipt label.
const MaxReceiptLength = 40

// OrderRef is the gateway's answer to an order creation.
type OrderRef struct {
	ID       string
	Amount   int64
	Currency string
	Receipt  string
	Status   string
}

// PlanRef identifies a recurring-billing template on the gateway.
type PlanRef struct {
	ID       string
	Period   string
	Interval int
	Amount   int64
	Currency string
}

// SubscriptionRef is the gateway view of a subscription.
type SubscriptionRef struct {
	ID         string
	PlanID     string
	Status     string
	TotalCount int
	PaidCount  int
	ShortURL   string
	StartAt    *time.Time
}

// RefundRef is the gateway view of a refund.
type RefundRef struct {
	ID        string
	PaymentID string
	Amount    int64
	Status    string
}

// PaymentGateway is the hex port for the remote payment service. Implementations perform
// no retries: a repeated order creation could charge twice.
type PaymentGateway interface {
	Name() string
	// KeyID is the public key handed to the checkout SDK.
	KeyID() string

	CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*OrderRef, error)
	CreatePlan(ctx context.Context, name string, amount int64, currency, description string) (*PlanRef, error)
	CreateSubscription(ctx context.Context, planID string, totalCount int, notes map[string]string) (*SubscriptionRef, error)
	FetchSubscription(ctx context.Context, subscriptionID string) (*SubscriptionRef, error)
	// RefundPayment refunds a captured payment. Repeating a call with the same idempotencyKey
	// must not pay out twice.
	RefundPayment(ctx context.Context, gatewayPaymentID string, amount int64, idempotencyKey string, notes map[string]string) (*RefundRef, error)
}
