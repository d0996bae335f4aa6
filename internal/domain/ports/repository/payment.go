package repository

import (
	"context"
	"time"

	"payment-settlement/internal/domain/model"
)

// CompletionInput carries the fields written by a completed transition.
type CompletionInput struct {
	TransactionID string
	PaymentDate   time.Time
	ReceiptNumber string
}

// RefundInput carries the four refund fields written together.
type RefundInput struct {
	Amount    int64
	Reason    string
	Date      time.Time
	GatewayID *string
}

type PaymentRepository interface {
	Create(ctx context.Context, tx Tx, p *model.Payment) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Payment, error)
	FindByOrderID(ctx context.Context, tx Tx, orderID string) (*model.Payment, error)
	ExistsForPeriod(ctx context.Context, tx Tx, userID, enrollmentID, period string) (bool, error)

	// AttachOrder records the gateway order and moves pending -> attempted. It only touches a
	// payment with no order yet, so an attached order is never replaced.
	AttachOrder(ctx context.Context, tx Tx, id, orderID string) (bool, error)
	// MarkCompletedIfOpen and MarkFailedIfOpen only touch rows in pending|attempted.
	// They report whether a row changed.
	MarkCompletedIfOpen(ctx context.Context, tx Tx, id string, in CompletionInput) (bool, error)
	MarkFailedIfOpen(ctx context.Context, tx Tx, id string, reason string) (bool, error)
	// ApplyRefund only touches completed, not yet refunded rows with amount >= refund.
	ApplyRefund(ctx context.Context, tx Tx, id string, in RefundInput) (bool, error)

	List(ctx context.Context, tx Tx, f model.PaymentFilter) ([]*model.Payment, error)
	Stats(ctx context.Context, tx Tx, f model.PaymentFilter) (*model.PaymentStats, error)
}
