package model

import (
	"time"

	"payment-settlement/internal/domain"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"   // invoice raised, no gateway order yet
	PaymentStatusAttempted PaymentStatus = "attempted" // gateway order attached; awaiting callback
	PaymentStatusCompleted PaymentStatus = "completed" // settled; transaction id recorded
	PaymentStatusFailed    PaymentStatus = "failed"    // terminal; a retry needs a fresh payment
)

// Valid reports whether s is one of the four ledger states.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusAttempted, PaymentStatusCompleted, PaymentStatusFailed:
		return true
	}
	return false
}

const (
	MethodRazorpay = "razorpay"
	MethodCash     = "cash"
)

// Payment is the invoice record. It is never deleted.
type Payment struct {
	ID            string
	UserID        string
	EnrollmentID  string
	Amount        int64 // smallest currency unit (paise)
	Currency      string
	Status        PaymentStatus
	Method        string
	OrderID       *string // gateway order, set by AttachOrder
	TransactionID *string // set iff Status == completed
	ReceiptNumber string
	PaymentPeriod string
	FailureReason *string
	PaymentDate   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Refund fields are written together by ProcessRefund.
	Refunded        bool
	RefundAmount    *int64
	RefundReason    *string
	RefundDate      *time.Time
	RefundGatewayID *string
}

// NewPendingPayment validates inputs and builds a payment in the pending state.
func NewPendingPayment(id, userID, enrollmentID string, amount int64, currency, method, receipt, period string) (*Payment, error) {
	switch {
	case id == "":
		return nil, domain.NewValidationError("id", "is required")
	case userID == "":
		return nil, domain.NewValidationError("user_id", "is required")
	case enrollmentID == "":
		return nil, domain.NewValidationError("enrollment_id", "is required")
	case amount <= 0:
		return nil, domain.NewValidationError("amount", "must be a positive integer in the smallest currency unit")
	case method == "":
		return nil, domain.NewValidationError("method", "is required")
	}
	if currency == "" {
		currency = "INR"
	}
	now := time.Now().UTC()
	return &Payment{
		ID:            id,
		UserID:        userID,
		EnrollmentID:  enrollmentID,
		Amount:        amount,
		Currency:      currency,
		Status:        PaymentStatusPending,
		Method:        method,
		ReceiptNumber: receipt,
		PaymentPeriod: period,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IsTerminal is true for completed and failed payments.
func (p *Payment) IsTerminal() bool {
	return p.Status == PaymentStatusCompleted || p.Status == PaymentStatusFailed
}

// IsOpen reports whether a settlement callback may still move the payment.
func (p *Payment) IsOpen() bool {
	return p.Status == PaymentStatusPending || p.Status == PaymentStatusAttempted
}

// CheckRefund validates a refund request against the payment's current state.
func (p *Payment) CheckRefund(amount int64) error {
	if p.Status != PaymentStatusCompleted {
		return domain.NewValidationError("status", "must be completed to refund")
	}
	if p.Refunded {
		return domain.ErrAlreadyRefunded
	}
	if amount <= 0 {
		return domain.NewValidationError("refund_amount", "must be positive")
	}
	if amount > p.Amount {
		return domain.NewValidationError("refund_amount", "exceeds the original amount")
	}
	return nil
}

// PaymentFilter drives the ledger query surface. Zero values are ignored.
// From/To are inclusive bounds over CreatedAt.
type PaymentFilter struct {
	Status       PaymentStatus
	UserID       string
	EnrollmentID string
	BatchID      string
	SportID      string
	Method       string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// PaymentStats aggregates completed revenue and status counts.
type PaymentStats struct {
	TotalRevenue    int64
	RefundedTotal   int64
	CountByStatus   map[PaymentStatus]int
	RevenueByMethod map[string]int64
	RevenueBySport  map[string]int64
	RevenueByBatch  map[string]int64
}

// NetRevenue is completed revenue minus refunds.
func (s *PaymentStats) NetRevenue() int64 { return s.TotalRevenue - s.RefundedTotal }

// BulkInvoiceResult is the per-user outcome of GenerateBulkInvoices.
type BulkInvoiceResult struct {
	UserID    string
	PaymentID string
	Err       error
}
