package model

import "time"

// Routing keys of settlement events consumed by rewards, invoice PDF and notification services.
const (
	EventPaymentCompleted    = "payment.completed"
	EventPaymentFailed       = "payment.failed"
	EventPaymentRefunded     = "payment.refunded"
	EventSubscriptionCreated = "subscription.created"
	EventSubscriptionUpdated = "subscription.updated"
)

// OutboxMessage is a side-effect event stored in the same transaction as the ledger write.
type OutboxMessage struct {
	ID          string
	Exchange    string
	RoutingKey  string
	Payload     []byte
	Attempts    int
	LastError   *string
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// PaymentEvent is the JSON payload of payment.* events.
type PaymentEvent struct {
	PaymentID     string    `json:"payment_id"`
	UserID        string    `json:"user_id"`
	EnrollmentID  string    `json:"enrollment_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Method        string    `json:"method"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id,omitempty"`
	ReceiptNumber string    `json:"receipt_number,omitempty"`
	RefundAmount  int64     `json:"refund_amount,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewPaymentEvent snapshots p for the outbox.
func NewPaymentEvent(p *Payment, reason string) PaymentEvent {
	ev := PaymentEvent{
		PaymentID:     p.ID,
		UserID:        p.UserID,
		EnrollmentID:  p.EnrollmentID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Method:        p.Method,
		Status:        string(p.Status),
		ReceiptNumber: p.ReceiptNumber,
		Reason:        reason,
		OccurredAt:    time.Now().UTC(),
	}
	if p.TransactionID != nil {
		ev.TransactionID = *p.TransactionID
	}
	if p.RefundAmount != nil {
		ev.RefundAmount = *p.RefundAmount
	}
	return ev
}

// SubscriptionEvent is the JSON payload of subscription.* events.
type SubscriptionEvent struct {
	SubscriptionID         string    `json:"subscription_id"`
	RazorpaySubscriptionID string    `json:"razorpay_subscription_id"`
	UserID                 string    `json:"user_id"`
	BatchID                string    `json:"batch_id"`
	SportID                string    `json:"sport_id"`
	Status                 string    `json:"status"`
	OccurredAt             time.Time `json:"occurred_at"`
}
