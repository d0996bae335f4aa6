package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/model"
	"payment-settlement/internal/domain/ports/adapter"
)

// ChargeRequest starts a one-off checkout.
type ChargeRequest struct {
	UserID         string
	EnrollmentID   string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// ChargeResult is what the client needs to open the gateway checkout.
type ChargeResult struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	KeyID     string `json:"key_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Receipt   string `json:"receipt"`
}

// CheckoutCallback is the client-relayed proof of a completed checkout.
type CheckoutCallback struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

// paymentLockTTL outlives one gateway round trip, so a lock is not lost mid-call.
const paymentLockTTL = time.Minute

// SettlementCoordinator composes the gateway, the signature verifier and the ledgers
// into the end-to-end flows.
type SettlementCoordinator struct {
	gateway  adapter.PaymentGateway
	payments PaymentLedger
	subs     SubscriptionLedger
	verifier *SignatureVerifier
	idem     adapter.IdempotencyStore
	locker   adapter.Locker
	idemTTL  time.Duration
	log      *zerolog.Logger
}

func NewSettlementCoordinator(
	gateway adapter.PaymentGateway,
	payments PaymentLedger,
	subs SubscriptionLedger,
	verifier *SignatureVerifier,
	idem adapter.IdempotencyStore,
	locker adapter.Locker,
	idemTTL time.Duration,
	logger *zerolog.Logger,
) *SettlementCoordinator {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &SettlementCoordinator{
		gateway:  gateway,
		payments: payments,
		subs:     subs,
		verifier: verifier,
		idem:     idem,
		locker:   locker,
		idemTTL:  idemTTL,
		log:      logger,
	}
}

// CreateCharge creates a gateway order and a payment bound to it. A repeated idempotency
// key returns the first result without touching the gateway.
func (c *SettlementCoordinator) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if err := c.payments.ValidateCharge(ctx, req.UserID, req.EnrollmentID, req.Amount, model.MethodRazorpay); err != nil {
		return nil, err
	}
	var out ChargeResult
	err := c.idempotent(ctx, "charge:"+req.UserID+":", req.IdempotencyKey, &out, func() (any, error) {
		return c.charge(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SettlementCoordinator) charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	currency := currencyOr(req.Currency)
	receipt := NewReceipt()
	order, err := c.gateway.CreateOrder(ctx, req.Amount, currency, receipt, map[string]string{
		"user_id":       req.UserID,
		"enrollment_id": req.EnrollmentID,
	})
	if err != nil {
		return nil, err
	}

	p, err := c.payments.Open(ctx, PendingInput{
		UserID:       req.UserID,
		EnrollmentID: req.EnrollmentID,
		Amount:       req.Amount,
		Currency:     currency,
		Method:       model.MethodRazorpay,
		Receipt:      receipt,
	})
	if err != nil {
		c.log.Error().Err(err).Str("order_id", order.ID).Msg("gateway order created but payment not persisted")
		return nil, err
	}
	if _, err := c.payments.AttachOrder(ctx, p.ID, order.ID); err != nil {
		c.log.Error().Err(err).Str("order_id", order.ID).Str("payment_id", p.ID).Msg("gateway order not attached")
		return nil, err
	}

	c.log.Info().
		Str("payment_id", p.ID).
		Str("order_id", order.ID).
		Int64("amount", req.Amount).
		Msg("charge created")
	return &ChargeResult{
		PaymentID: p.ID,
		OrderID:   order.ID,
		KeyID:     c.gateway.KeyID(),
		Amount:    req.Amount,
		Currency:  currency,
		Receipt:   receipt,
	}, nil
}

// CheckoutInvoice opens a gateway order for an existing pending invoice. Calling it again
// while the payment is attempted hands back the attached order. Checkouts of one invoice
// are serialized, so at most one remote order is ever attached to it.
func (c *SettlementCoordinator) CheckoutInvoice(ctx context.Context, paymentID, idempotencyKey string) (*ChargeResult, error) {
	var out ChargeResult
	err := c.idempotent(ctx, "checkout:"+paymentID+":", idempotencyKey, &out, func() (any, error) {
		var res *ChargeResult
		err := c.withPaymentLock(ctx, "checkout", paymentID, func() error {
			var err error
			res, err = c.checkoutInvoice(ctx, paymentID)
			return err
		})
		return res, err
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SettlementCoordinator) checkoutInvoice(ctx context.Context, paymentID string) (*ChargeResult, error) {
	p, err := c.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return nil, fmt.Errorf("checkout %s payment: %w", p.Status, domain.ErrPaymentTerminal)
	}
	if p.Method != model.MethodRazorpay {
		return nil, domain.NewValidationError("method", "invoice is not payable online")
	}
	res := &ChargeResult{PaymentID: p.ID, KeyID: c.gateway.KeyID(), Amount: p.Amount, Currency: p.Currency, Receipt: p.ReceiptNumber}
	if p.OrderID != nil {
		res.OrderID = *p.OrderID
		return res, nil
	}
	order, err := c.gateway.CreateOrder(ctx, p.Amount, p.Currency, p.ReceiptNumber, map[string]string{
		"user_id":    p.UserID,
		"payment_id": p.ID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.payments.AttachOrder(ctx, p.ID, order.ID); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			return nil, err
		}
		// Another checkout attached first; its order stays the only payable one.
		cur, gerr := c.payments.GetByID(ctx, p.ID)
		if gerr != nil {
			return nil, gerr
		}
		if cur.OrderID == nil {
			return nil, err
		}
		c.log.Warn().
			Str("payment_id", p.ID).
			Str("order_id", *cur.OrderID).
			Str("unused_order_id", order.ID).
			Msg("invoice already has an order; dropping the new one")
		res.OrderID = *cur.OrderID
		return res, nil
	}
	res.OrderID = order.ID
	return res, nil
}

// HandleCallback settles a checkout. An invalid signature marks the payment failed
// (unless it is already completed) and returns ErrSignatureMismatch.
func (c *SettlementCoordinator) HandleCallback(ctx context.Context, cb CheckoutCallback) (*model.Payment, error) {
	if cb.OrderID == "" {
		return nil, domain.NewValidationError("razorpay_order_id", "is required")
	}
	p, err := c.payments.FindByOrderID(ctx, cb.OrderID)
	if err != nil {
		return nil, err
	}

	if !c.verifier.Verify(cb.OrderID, cb.PaymentID, cb.Signature) {
		c.log.Warn().Str("payment_id", p.ID).Str("order_id", cb.OrderID).Msg("checkout signature mismatch")
		failed, ferr := c.payments.MarkFailed(ctx, p.ID, "signature verification failed")
		switch {
		case ferr == nil:
			p = failed
		case errors.Is(ferr, domain.ErrInvalidTransition):
			// Already completed; a forged callback must not undo a settlement.
		default:
			return nil, ferr
		}
		return p, domain.ErrSignatureMismatch
	}

	return c.settle(ctx, c.log, p, cb.OrderID, cb.PaymentID)
}

// settle completes p for a payment the gateway reports as paid. A refusal means money was
// captured against an invoice that can no longer take it, so it is logged for reconciliation.
func (c *SettlementCoordinator) settle(ctx context.Context, logger *zerolog.Logger, p *model.Payment, orderID, gatewayPaymentID string) (*model.Payment, error) {
	out, err := c.payments.MarkCompleted(ctx, p.ID, gatewayPaymentID, time.Now().UTC(), p.ReceiptNumber)
	if errors.Is(err, domain.ErrPaymentTerminal) {
		logger.Error().Err(err).
			Str("payment_id", p.ID).
			Str("order_id", orderID).
			Str("gateway_payment_id", gatewayPaymentID).
			Int64("amount", p.Amount).
			Msg("captured payment refused by the ledger; needs manual reconciliation")
	}
	return out, err
}

type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity struct {
				ID               string `json:"id"`
				OrderID          string `json:"order_id"`
				Amount           int64  `json:"amount"`
				Status           string `json:"status"`
				ErrorDescription string `json:"error_description"`
			} `json:"entity"`
		} `json:"payment"`
		Subscription *struct {
			Entity struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"entity"`
		} `json:"subscription"`
	} `json:"payload"`
}

// HandleWebhook applies a server-to-server gateway event. Events for unknown orders and
// unhandled event types are acknowledged and ignored.
func (c *SettlementCoordinator) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if !c.verifier.VerifyWebhook(body, signature) {
		return domain.ErrSignatureMismatch
	}
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return domain.NewValidationError("body", "is not a webhook event")
	}
	logger := c.log.With().Str("event", env.Event).Logger()

	switch {
	case strings.HasPrefix(env.Event, "payment."):
		if env.Payload.Payment == nil {
			return domain.NewValidationError("payload.payment", "is required")
		}
		ent := env.Payload.Payment.Entity
		p, err := c.payments.FindByOrderID(ctx, ent.OrderID)
		if errors.Is(err, domain.ErrNotFound) {
			ev := logger.Debug()
			if env.Event == "payment.captured" {
				ev = logger.Warn().Str("gateway_payment_id", ent.ID).Int64("amount", ent.Amount)
			}
			ev.Str("order_id", ent.OrderID).Msg("webhook for unknown order")
			return nil
		}
		if err != nil {
			return err
		}
		switch env.Event {
		case "payment.captured":
			if ent.Amount != 0 && ent.Amount != p.Amount {
				logger.Error().
					Str("payment_id", p.ID).
					Int64("expected", p.Amount).
					Int64("captured", ent.Amount).
					Msg("captured amount differs from invoice; leaving for manual review")
				return domain.NewValidationError("amount", "does not match the invoice")
			}
			_, err = c.settle(ctx, &logger, p, ent.OrderID, ent.ID)
			if errors.Is(err, domain.ErrPaymentTerminal) {
				// Redelivery cannot change the outcome; the refusal is already logged.
				return nil
			}
			return err
		case "payment.failed":
			reason := ent.ErrorDescription
			if reason == "" {
				reason = "payment failed at gateway"
			}
			_, err = c.payments.MarkFailed(ctx, p.ID, reason)
			if errors.Is(err, domain.ErrInvalidTransition) {
				logger.Warn().Str("payment_id", p.ID).Msg("failure event for a completed payment ignored")
				return nil
			}
			return err
		}
	case strings.HasPrefix(env.Event, "subscription."):
		if env.Payload.Subscription == nil {
			return domain.NewValidationError("payload.subscription", "is required")
		}
		ent := env.Payload.Subscription.Entity
		_, err := c.subs.ApplyGatewayStatus(ctx, ent.ID, ent.Status)
		if errors.Is(err, domain.ErrNotFound) {
			logger.Debug().Str("razorpay_subscription_id", ent.ID).Msg("webhook for unknown subscription")
			return nil
		}
		return err
	}
	logger.Debug().Msg("webhook event ignored")
	return nil
}

// Refund returns money for a completed payment. Gateway-settled payments are refunded
// remotely first; the ledger is only written once the gateway accepted the refund.
// Refunds of one payment are serialized and the remote call carries a key derived from
// the payment id, so the gateway pays out at most once.
func (c *SettlementCoordinator) Refund(ctx context.Context, paymentID string, amount int64, reason string) (*model.Payment, error) {
	var out *model.Payment
	err := c.withPaymentLock(ctx, "refund", paymentID, func() error {
		var err error
		out, err = c.refund(ctx, paymentID, amount, reason)
		return err
	})
	return out, err
}

func (c *SettlementCoordinator) refund(ctx context.Context, paymentID string, amount int64, reason string) (*model.Payment, error) {
	p, err := c.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if err := p.CheckRefund(amount); err != nil {
		return nil, err
	}

	var gatewayRefundID *string
	if p.Method == model.MethodRazorpay && p.TransactionID != nil {
		ref, err := c.gateway.RefundPayment(ctx, *p.TransactionID, amount, RefundKey(p.ID), map[string]string{
			"payment_id": p.ID,
			"reason":     reason,
		})
		if err != nil {
			return nil, err
		}
		gatewayRefundID = &ref.ID
	}

	out, err := c.payments.ProcessRefund(ctx, paymentID, amount, reason, gatewayRefundID)
	if err != nil && gatewayRefundID != nil {
		c.log.Error().Err(err).
			Str("payment_id", paymentID).
			Str("gateway_refund_id", *gatewayRefundID).
			Msg("gateway refund issued but not recorded")
	}
	return out, err
}

// RefundKey is the gateway idempotency key for the single refund a payment may receive.
func RefundKey(paymentID string) string {
	key := "rf_" + paymentID
	if len(key) > adapter.MaxReceiptLength {
		key = key[:adapter.MaxReceiptLength]
	}
	return key
}

// RecordOfflinePayment settles a cash invoice. reference is the receipt the admin collected;
// one is generated when empty.
func (c *SettlementCoordinator) RecordOfflinePayment(ctx context.Context, paymentID, reference string) (*model.Payment, error) {
	p, err := c.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.Method == model.MethodRazorpay && p.OrderID != nil {
		return nil, domain.NewValidationError("method", "payment has an open gateway order")
	}
	if reference == "" {
		reference = "cash_" + strings.ToLower(ulid.Make().String())
	}
	return c.payments.MarkCompleted(ctx, p.ID, reference, time.Now().UTC(), p.ReceiptNumber)
}

// Subscribe creates a recurring subscription, de-duplicated by the idempotency key.
func (c *SettlementCoordinator) Subscribe(ctx context.Context, userID, batchID, sportID, idempotencyKey string) (*model.CheckoutInfo, error) {
	var out model.CheckoutInfo
	err := c.idempotent(ctx, "subscribe:"+userID+":", idempotencyKey, &out, func() (any, error) {
		return c.subs.CreateSubscription(ctx, userID, batchID, sportID)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateInvoices raises one invoice per user for period.
func (c *SettlementCoordinator) GenerateInvoices(ctx context.Context, enrollmentID string, amount int64, userIDs []string, period string) ([]model.BulkInvoiceResult, error) {
	return c.payments.GenerateBulkInvoices(ctx, enrollmentID, amount, userIDs, period)
}

// withPaymentLock runs fn while holding the per-payment lock for op. A held lock reports
// ErrRequestInProgress.
func (c *SettlementCoordinator) withPaymentLock(ctx context.Context, op, paymentID string, fn func() error) error {
	key := "lock:" + op + ":" + paymentID
	token, err := c.locker.TryLock(ctx, key, paymentLockTTL)
	if errors.Is(err, domain.ErrLockNotAcquired) {
		return fmt.Errorf("%s payment %s: %w", op, paymentID, domain.ErrRequestInProgress)
	}
	if err != nil {
		return err
	}
	defer func() {
		if uerr := c.locker.Unlock(context.WithoutCancel(ctx), key, token); uerr != nil {
			c.log.Warn().Err(uerr).Str("lock", key).Msg("payment lock release failed")
		}
	}()
	return fn()
}

// idempotent runs fn at most once per (scope, key) and decodes the stored result into out.
// An empty key gets a fresh one, so the call is never de-duplicated.
func (c *SettlementCoordinator) idempotent(ctx context.Context, scope, key string, out any, fn func() (any, error)) error {
	if key == "" {
		key = uuid.NewString()
	}
	full := "idem:" + scope + key

	stored, reserved, err := c.idem.Reserve(ctx, full, c.idemTTL)
	if err != nil {
		return err
	}
	if !reserved {
		if stored == nil {
			return domain.ErrRequestInProgress
		}
		c.log.Debug().Str("idempotency_key", key).Msg("replaying stored result")
		return json.Unmarshal(stored, out)
	}

	res, err := fn()
	if err != nil {
		if rerr := c.idem.Release(context.WithoutCancel(ctx), full); rerr != nil {
			c.log.Warn().Err(rerr).Str("idempotency_key", key).Msg("idempotency release failed")
		}
		return err
	}
	body, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if err := c.idem.Complete(context.WithoutCancel(ctx), full, body, c.idemTTL); err != nil {
		c.log.Warn().Err(err).Str("idempotency_key", key).Msg("idempotency result not stored")
	}
	return json.Unmarshal(body, out)
}
