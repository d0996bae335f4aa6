package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/model"
	"payment-settlement/internal/domain/ports/repository"
)

// Compile-time check
var _ PaymentLedger = (*paymentLedger)(nil)

// PaymentLedger owns the Payment lifecycle. Every transition is idempotent:
// repeating a completed/failed transition returns the current record without error,
// while crossing from one terminal state to another is rejected.
type PaymentLedger interface {
	// CreatePending is the only way a Payment comes into existence.
	CreatePending(ctx context.Context, userID, enrollmentID string, amount int64, method string) (string, error)
	// Open is CreatePending with the optional fields (currency, receipt, period) spelled out.
	Open(ctx context.Context, in PendingInput) (*model.Payment, error)
	// ValidateCharge runs CreatePending's checks without writing anything.
	ValidateCharge(ctx context.Context, userID, enrollmentID string, amount int64, method string) error

	AttachOrder(ctx context.Context, paymentID, orderID string) (*model.Payment, error)
	MarkCompleted(ctx context.Context, paymentID, transactionID string, paymentDate time.Time, receiptNumber string) (*model.Payment, error)
	MarkFailed(ctx context.Context, paymentID, reason string) (*model.Payment, error)
	ProcessRefund(ctx context.Context, paymentID string, refundAmount int64, refundReason string, gatewayRefundID *string) (*model.Payment, error)

	GenerateBulkInvoices(ctx context.Context, enrollmentID string, amount int64, userIDs []string, period string) ([]model.BulkInvoiceResult, error)

	GetByID(ctx context.Context, paymentID string) (*model.Payment, error)
	FindByOrderID(ctx context.Context, orderID string) (*model.Payment, error)
	ListByUser(ctx context.Context, userID string) ([]*model.Payment, error)
	List(ctx context.Context, f model.PaymentFilter) ([]*model.Payment, error)
	Stats(ctx context.Context, f model.PaymentFilter) (*model.PaymentStats, error)
}

// PendingInput describes a new invoice.
type PendingInput struct {
	UserID       string
	EnrollmentID string
	Amount       int64
	Currency     string
	Method       string
	Receipt      string // generated when empty
	Period       string
}

type paymentLedger struct {
	payments repository.PaymentRepository
	catalog  repository.CatalogRepository
	outbox   repository.OutboxRepository
	tm       repository.TransactionManager
	exchange string
	log      *zerolog.Logger
}

// NewPaymentLedger wires the ledger. exchange is the broker exchange settlement events are routed to.
func NewPaymentLedger(
	payments repository.PaymentRepository,
	catalog repository.CatalogRepository,
	outbox repository.OutboxRepository,
	tm repository.TransactionManager,
	exchange string,
	logger *zerolog.Logger,
) *paymentLedger {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &paymentLedger{payments: payments, catalog: catalog, outbox: outbox, tm: tm, exchange: exchange, log: logger}
}

// NewReceipt returns a gateway receipt label: "rcpt_" + ULID, well under the 40 char limit.
func NewReceipt() string {
	return "rcpt_" + strings.ToLower(ulid.Make().String())
}

func (l *paymentLedger) CreatePending(ctx context.Context, userID, enrollmentID string, amount int64, method string) (string, error) {
	p, err := l.Open(ctx, PendingInput{UserID: userID, EnrollmentID: enrollmentID, Amount: amount, Method: method})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (l *paymentLedger) ValidateCharge(ctx context.Context, userID, enrollmentID string, amount int64, method string) error {
	if _, err := model.NewPendingPayment("check", userID, enrollmentID, amount, "", method, "", ""); err != nil {
		return err
	}
	return l.checkEnrollment(ctx, enrollmentID)
}

func (l *paymentLedger) checkEnrollment(ctx context.Context, enrollmentID string) error {
	if _, err := l.catalog.FindEnrollment(ctx, repository.NoTX, enrollmentID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewValidationError("enrollment_id", "does not exist")
		}
		return err
	}
	return nil
}

func (l *paymentLedger) Open(ctx context.Context, in PendingInput) (*model.Payment, error) {
	receipt := in.Receipt
	if receipt == "" {
		receipt = NewReceipt()
	}
	p, err := model.NewPendingPayment(uuid.NewString(), in.UserID, in.EnrollmentID, in.Amount, in.Currency, in.Method, receipt, in.Period)
	if err != nil {
		return nil, err
	}
	if err := l.checkEnrollment(ctx, in.EnrollmentID); err != nil {
		return nil, err
	}
	if in.Period != "" {
		exists, err := l.payments.ExistsForPeriod(ctx, repository.NoTX, in.UserID, in.EnrollmentID, in.Period)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, fmt.Errorf("invoice for period %q: %w", in.Period, domain.ErrAlreadyExists)
		}
	}
	if err := l.payments.Create(ctx, repository.NoTX, p); err != nil {
		return nil, err
	}
	l.log.Info().
		Str("payment_id", p.ID).
		Str("user_id", p.UserID).
		Str("enrollment_id", p.EnrollmentID).
		Int64("amount", p.Amount).
		Str("method", p.Method).
		Msg("payment created")
	return p, nil
}

func (l *paymentLedger) AttachOrder(ctx context.Context, paymentID, orderID string) (*model.Payment, error) {
	if orderID == "" {
		return nil, domain.NewValidationError("order_id", "is required")
	}
	var out *model.Payment
	err := l.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := l.payments.FindByID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if !p.IsOpen() {
			return fmt.Errorf("attach order to %s payment: %w", p.Status, domain.ErrPaymentTerminal)
		}
		ok, err := l.payments.AttachOrder(ctx, tx, paymentID, orderID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidTransition
		}
		p.OrderID = &orderID
		p.Status = model.PaymentStatusAttempted
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *paymentLedger) MarkCompleted(ctx context.Context, paymentID, transactionID string, paymentDate time.Time, receiptNumber string) (*model.Payment, error) {
	if transactionID == "" {
		return nil, domain.NewValidationError("transaction_id", "is required")
	}
	if paymentDate.IsZero() {
		paymentDate = time.Now().UTC()
	}
	var out *model.Payment
	err := l.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := l.payments.FindByID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		switch p.Status {
		case model.PaymentStatusCompleted:
			if p.TransactionID != nil && *p.TransactionID != transactionID {
				l.log.Warn().
					Str("payment_id", p.ID).
					Str("stored_transaction_id", *p.TransactionID).
					Str("transaction_id", transactionID).
					Msg("completion replayed with a different transaction id; keeping the stored one")
			}
			out = p
			return nil
		case model.PaymentStatusFailed:
			return fmt.Errorf("complete payment %s: %w", p.ID, domain.ErrPaymentTerminal)
		}

		if receiptNumber == "" {
			receiptNumber = p.ReceiptNumber
		}
		changed, err := l.payments.MarkCompletedIfOpen(ctx, tx, p.ID, repository.CompletionInput{
			TransactionID: transactionID,
			PaymentDate:   paymentDate,
			ReceiptNumber: receiptNumber,
		})
		if err != nil {
			return err
		}
		if !changed {
			// Lost a race without a row lock; report whatever won.
			cur, err := l.payments.FindByID(ctx, tx, p.ID)
			if err != nil {
				return err
			}
			if cur.Status == model.PaymentStatusCompleted {
				out = cur
				return nil
			}
			return fmt.Errorf("complete payment %s: %w", p.ID, domain.ErrPaymentTerminal)
		}

		p.Status = model.PaymentStatusCompleted
		p.TransactionID = &transactionID
		p.PaymentDate = &paymentDate
		p.ReceiptNumber = receiptNumber
		p.UpdatedAt = time.Now().UTC()
		out = p
		return l.enqueue(ctx, tx, model.EventPaymentCompleted, model.NewPaymentEvent(p, ""))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *paymentLedger) MarkFailed(ctx context.Context, paymentID, reason string) (*model.Payment, error) {
	var out *model.Payment
	err := l.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := l.payments.FindByID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		switch p.Status {
		case model.PaymentStatusFailed:
			out = p
			return nil
		case model.PaymentStatusCompleted:
			return fmt.Errorf("fail completed payment %s: %w", p.ID, domain.ErrInvalidTransition)
		}

		changed, err := l.payments.MarkFailedIfOpen(ctx, tx, p.ID, reason)
		if err != nil {
			return err
		}
		if !changed {
			cur, err := l.payments.FindByID(ctx, tx, p.ID)
			if err != nil {
				return err
			}
			if cur.Status == model.PaymentStatusFailed {
				out = cur
				return nil
			}
			return fmt.Errorf("fail payment %s: %w", p.ID, domain.ErrInvalidTransition)
		}

		p.Status = model.PaymentStatusFailed
		if reason != "" {
			p.FailureReason = &reason
		}
		p.UpdatedAt = time.Now().UTC()
		out = p
		return l.enqueue(ctx, tx, model.EventPaymentFailed, model.NewPaymentEvent(p, reason))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *paymentLedger) ProcessRefund(ctx context.Context, paymentID string, refundAmount int64, refundReason string, gatewayRefundID *string) (*model.Payment, error) {
	var out *model.Payment
	err := l.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		p, err := l.payments.FindByID(ctx, tx, paymentID)
		if err != nil {
			return err
		}
		if err := p.CheckRefund(refundAmount); err != nil {
			return err
		}
		now := time.Now().UTC()
		changed, err := l.payments.ApplyRefund(ctx, tx, p.ID, repository.RefundInput{
			Amount:    refundAmount,
			Reason:    refundReason,
			Date:      now,
			GatewayID: gatewayRefundID,
		})
		if err != nil {
			return err
		}
		if !changed {
			return domain.ErrAlreadyRefunded
		}
		p.Refunded = true
		p.RefundAmount = &refundAmount
		p.RefundReason = &refundReason
		p.RefundDate = &now
		p.RefundGatewayID = gatewayRefundID
		p.UpdatedAt = now
		out = p
		return l.enqueue(ctx, tx, model.EventPaymentRefunded, model.NewPaymentEvent(p, refundReason))
	})
	if err != nil {
		return nil, err
	}
	l.log.Info().
		Str("payment_id", out.ID).
		Int64("refund_amount", refundAmount).
		Str("reason", refundReason).
		Msg("payment refunded")
	return out, nil
}

// GenerateBulkInvoices creates one pending payment per user. Each creation is independent:
// a failure is reported in that user's result and the batch continues.
func (l *paymentLedger) GenerateBulkInvoices(ctx context.Context, enrollmentID string, amount int64, userIDs []string, period string) ([]model.BulkInvoiceResult, error) {
	if len(userIDs) == 0 {
		return nil, domain.NewValidationError("user_ids", "must not be empty")
	}
	if amount <= 0 {
		return nil, domain.NewValidationError("amount", "must be positive")
	}
	if err := l.checkEnrollment(ctx, enrollmentID); err != nil {
		return nil, err
	}

	results := make([]model.BulkInvoiceResult, 0, len(userIDs))
	failed := 0
	for _, userID := range userIDs {
		if err := ctx.Err(); err != nil {
			results = append(results, model.BulkInvoiceResult{UserID: userID, Err: err})
			failed++
			continue
		}
		p, err := l.Open(ctx, PendingInput{
			UserID:       strings.TrimSpace(userID),
			EnrollmentID: enrollmentID,
			Amount:       amount,
			Method:       model.MethodRazorpay,
			Period:       period,
		})
		if err != nil {
			l.log.Warn().Err(err).Str("user_id", userID).Str("enrollment_id", enrollmentID).Msg("bulk invoice skipped")
			results = append(results, model.BulkInvoiceResult{UserID: userID, Err: err})
			failed++
			continue
		}
		results = append(results, model.BulkInvoiceResult{UserID: userID, PaymentID: p.ID})
	}
	l.log.Info().
		Str("enrollment_id", enrollmentID).
		Int("requested", len(userIDs)).
		Int("failed", failed).
		Msg("bulk invoices generated")
	return results, nil
}

func (l *paymentLedger) GetByID(ctx context.Context, paymentID string) (*model.Payment, error) {
	return l.payments.FindByID(ctx, repository.NoTX, paymentID)
}

func (l *paymentLedger) FindByOrderID(ctx context.Context, orderID string) (*model.Payment, error) {
	return l.payments.FindByOrderID(ctx, repository.NoTX, orderID)
}

func (l *paymentLedger) ListByUser(ctx context.Context, userID string) ([]*model.Payment, error) {
	if userID == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	return l.payments.List(ctx, repository.NoTX, model.PaymentFilter{UserID: userID})
}

func (l *paymentLedger) List(ctx context.Context, f model.PaymentFilter) ([]*model.Payment, error) {
	if err := checkRange(f); err != nil {
		return nil, err
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return l.payments.List(ctx, repository.NoTX, f)
}

func (l *paymentLedger) Stats(ctx context.Context, f model.PaymentFilter) (*model.PaymentStats, error) {
	if err := checkRange(f); err != nil {
		return nil, err
	}
	return l.payments.Stats(ctx, repository.NoTX, f)
}

func checkRange(f model.PaymentFilter) error {
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return domain.NewValidationError("end_date", "is before start_date")
	}
	return nil
}

func (l *paymentLedger) enqueue(ctx context.Context, tx repository.Tx, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return l.outbox.Enqueue(ctx, tx, &model.OutboxMessage{
		ID:         uuid.NewString(),
		Exchange:   l.exchange,
		RoutingKey: routingKey,
		Payload:    body,
		CreatedAt:  time.Now().UTC(),
	})
}
