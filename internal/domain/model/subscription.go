package model

import (
	"time"
)

// Gateway-reported subscription statuses. The ledger stores whatever the gateway says;
// these are the ones the engine branches on.
const (
	SubscriptionStatusCreated       = "created"
	SubscriptionStatusAuthenticated = "authenticated"
	SubscriptionStatusActive        = "active"
	SubscriptionStatusPending       = "pending"
	SubscriptionStatusHalted        = "halted"
	SubscriptionStatusCancelled     = "cancelled"
	SubscriptionStatusCompleted     = "completed"
	SubscriptionStatusExpired       = "expired"
)

// OpenSubscriptionStatuses are non-terminal: at most one per (user, batch).
var OpenSubscriptionStatuses = []string{
	SubscriptionStatusCreated,
	SubscriptionStatusAuthenticated,
	SubscriptionStatusActive,
	SubscriptionStatusPending,
}

// IsOpenSubscriptionStatus reports whether s is one of OpenSubscriptionStatuses.
func IsOpenSubscriptionStatus(s string) bool {
	for _, o := range OpenSubscriptionStatuses {
		if o == s {
			return true
		}
	}
	return false
}

// Subscription is a recurring billing instance created on the gateway.
type Subscription struct {
	ID                     string
	UserID                 string
	BatchID                string
	SportID                string
	RazorpaySubscriptionID string
	Status                 string
	PlanID                 string
	Amount                 int64
	Currency               string
	StartDate              time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// CheckoutInfo is what the client needs to open the gateway subscription checkout.
type CheckoutInfo struct {
	SubscriptionID         string `json:"subscription_id"`
	RazorpaySubscriptionID string `json:"razorpay_subscription_id"`
	KeyID                  string `json:"key_id"`
	PlanID                 string `json:"plan_id"`
	Amount                 int64  `json:"amount"`
	Currency               string `json:"currency"`
	SportName              string `json:"sport_name"`
	BatchName              string `json:"batch_name"`
}
