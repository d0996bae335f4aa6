package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/model"
	"payment-settlement/internal/domain/ports/adapter"
	"payment-settlement/internal/domain/ports/repository"
)

// Compile-time check
var _ SubscriptionLedger = (*subscriptionLedger)(nil)

const (
	// DefaultSubscriptionTotalCount is the number of monthly charges a subscription authorizes.
	DefaultSubscriptionTotalCount = 12

	planLockTTL = 30 * time.Second
)

type SubscriptionLedger interface {
	// EnsurePlan returns the sport's gateway plan, creating it exactly once across all instances.
	EnsurePlan(ctx context.Context, sportID string) (string, error)
	CreateSubscription(ctx context.Context, userID, batchID, sportID string) (*model.CheckoutInfo, error)
	// RefreshStatus pulls the subscription's status from the gateway and stores it.
	RefreshStatus(ctx context.Context, subscriptionID string) (*model.Subscription, error)
	// ApplyGatewayStatus records a status pushed by a gateway webhook.
	ApplyGatewayStatus(ctx context.Context, razorpaySubscriptionID, status string) (*model.Subscription, error)
	// RefreshOpen refreshes up to limit non-terminal subscriptions and returns how many changed.
	RefreshOpen(ctx context.Context, limit int) (int, error)
	ListByUser(ctx context.Context, userID string) ([]*model.Subscription, error)
}

type subscriptionLedger struct {
	subs    repository.SubscriptionRepository
	catalog repository.CatalogRepository
	outbox  repository.OutboxRepository
	tm      repository.TransactionManager
	gateway adapter.PaymentGateway
	locker  adapter.Locker

	exchange string
	// planWait bounds how long a caller that lost the plan lock waits for the winner.
	planWait     time.Duration
	planWaitStep time.Duration
	totalCount   int
	log          *zerolog.Logger
}

func NewSubscriptionLedger(
	subs repository.SubscriptionRepository,
	catalog repository.CatalogRepository,
	outbox repository.OutboxRepository,
	tm repository.TransactionManager,
	gateway adapter.PaymentGateway,
	locker adapter.Locker,
	exchange string,
	logger *zerolog.Logger,
) *subscriptionLedger {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &subscriptionLedger{
		subs:         subs,
		catalog:      catalog,
		outbox:       outbox,
		tm:           tm,
		gateway:      gateway,
		locker:       locker,
		exchange:     exchange,
		planWait:     10 * time.Second,
		planWaitStep: 200 * time.Millisecond,
		totalCount:   DefaultSubscriptionTotalCount,
		log:          logger,
	}
}

// WithTotalCount overrides the number of billing cycles requested for new subscriptions.
func (l *subscriptionLedger) WithTotalCount(n int) *subscriptionLedger {
	if n > 0 {
		l.totalCount = n
	}
	return l
}

// WithPlanWait overrides how long EnsurePlan waits for a concurrent plan creation.
func (l *subscriptionLedger) WithPlanWait(total, step time.Duration) *subscriptionLedger {
	l.planWait, l.planWaitStep = total, step
	return l
}

func (l *subscriptionLedger) EnsurePlan(ctx context.Context, sportID string) (string, error) {
	sport, err := l.catalog.FindSport(ctx, repository.NoTX, sportID)
	if err != nil {
		return "", err
	}
	if sport.HasPlan() {
		return *sport.RazorpayPlanID, nil
	}

	key := "lock:plan:" + sportID
	token, err := l.locker.TryLock(ctx, key, planLockTTL)
	if err != nil {
		if !errors.Is(err, domain.ErrLockNotAcquired) {
			return "", err
		}
		return l.awaitPlan(ctx, sportID)
	}
	defer func() {
		if uerr := l.locker.Unlock(context.WithoutCancel(ctx), key, token); uerr != nil {
			l.log.Warn().Err(uerr).Str("sport_id", sportID).Msg("plan lock release failed")
		}
	}()

	// Another instance may have finished between the first read and the lock.
	sport, err = l.catalog.FindSport(ctx, repository.NoTX, sportID)
	if err != nil {
		return "", err
	}
	if sport.HasPlan() {
		return *sport.RazorpayPlanID, nil
	}
	if sport.MonthlyFee <= 0 {
		return "", domain.NewValidationError("monthly_fee", "must be positive to create a plan")
	}

	plan, err := l.gateway.CreatePlan(ctx, sport.Name+" monthly", sport.MonthlyFee, currencyOr(sport.Currency), "Monthly fee for "+sport.Name)
	if err != nil {
		return "", err
	}
	won, err := l.catalog.SetSportPlanIDIfEmpty(ctx, repository.NoTX, sportID, plan.ID)
	if err != nil {
		return "", err
	}
	if !won {
		l.log.Warn().Str("sport_id", sportID).Str("orphan_plan_id", plan.ID).Msg("plan already cached; discarding the new one")
		sport, err = l.catalog.FindSport(ctx, repository.NoTX, sportID)
		if err != nil {
			return "", err
		}
		if !sport.HasPlan() {
			return "", fmt.Errorf("plan for sport %s: %w", sportID, domain.ErrOperationFailed)
		}
		return *sport.RazorpayPlanID, nil
	}
	l.log.Info().Str("sport_id", sportID).Str("plan_id", plan.ID).Int64("amount", sport.MonthlyFee).Msg("gateway plan created")
	return plan.ID, nil
}

// awaitPlan polls the sport until the lock holder has cached a plan.
func (l *subscriptionLedger) awaitPlan(ctx context.Context, sportID string) (string, error) {
	deadline := time.Now().Add(l.planWait)
	for {
		sport, err := l.catalog.FindSport(ctx, repository.NoTX, sportID)
		if err != nil {
			return "", err
		}
		if sport.HasPlan() {
			return *sport.RazorpayPlanID, nil
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("plan for sport %s: %w", sportID, domain.ErrLockNotAcquired)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.planWaitStep):
		}
	}
}

func (l *subscriptionLedger) CreateSubscription(ctx context.Context, userID, batchID, sportID string) (*model.CheckoutInfo, error) {
	switch {
	case userID == "":
		return nil, domain.NewValidationError("user_id", "is required")
	case batchID == "":
		return nil, domain.NewValidationError("batch_id", "is required")
	case sportID == "":
		return nil, domain.NewValidationError("sport_id", "is required")
	}

	batch, err := l.catalog.FindBatch(ctx, repository.NoTX, batchID)
	if err != nil {
		return nil, err
	}
	if batch.SportID != sportID {
		return nil, domain.NewValidationError("batch_id", "does not belong to the sport")
	}
	sport, err := l.catalog.FindSport(ctx, repository.NoTX, sportID)
	if err != nil {
		return nil, err
	}

	if open, err := l.subs.FindOpenByUserAndBatch(ctx, repository.NoTX, userID, batchID); err == nil {
		return nil, fmt.Errorf("subscription %s is %s: %w", open.ID, open.Status, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	planID, err := l.EnsurePlan(ctx, sportID)
	if err != nil {
		return nil, err
	}

	ref, err := l.gateway.CreateSubscription(ctx, planID, l.totalCount, map[string]string{
		"user_id":  userID,
		"batch_id": batchID,
		"sport_id": sportID,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	start := now
	if ref.StartAt != nil {
		start = ref.StartAt.UTC()
	}
	status := ref.Status
	if status == "" {
		status = model.SubscriptionStatusCreated
	}
	s := &model.Subscription{
		ID:                     uuid.NewString(),
		UserID:                 userID,
		BatchID:                batchID,
		SportID:                sportID,
		RazorpaySubscriptionID: ref.ID,
		Status:                 status,
		PlanID:                 planID,
		Amount:                 sport.MonthlyFee,
		Currency:               currencyOr(sport.Currency),
		StartDate:              start,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	err = l.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := l.subs.Create(ctx, tx, s); err != nil {
			return err
		}
		return l.enqueue(ctx, tx, model.EventSubscriptionCreated, s)
	})
	if err != nil {
		// The remote subscription exists without a local row; it is never charged until
		// the user authorizes it, so log it for manual cleanup.
		l.log.Error().Err(err).
			Str("razorpay_subscription_id", ref.ID).
			Str("user_id", userID).
			Str("batch_id", batchID).
			Msg("subscription created remotely but not persisted")
		return nil, err
	}

	l.log.Info().
		Str("subscription_id", s.ID).
		Str("razorpay_subscription_id", ref.ID).
		Str("user_id", userID).
		Str("batch_id", batchID).
		Msg("subscription created")

	return &model.CheckoutInfo{
		SubscriptionID:         s.ID,
		RazorpaySubscriptionID: ref.ID,
		KeyID:                  l.gateway.KeyID(),
		PlanID:                 planID,
		Amount:                 s.Amount,
		Currency:               s.Currency,
		SportName:              sport.Name,
		BatchName:              batch.Name,
	}, nil
}

func (l *subscriptionLedger) RefreshStatus(ctx context.Context, subscriptionID string) (*model.Subscription, error) {
	s, err := l.subs.FindByID(ctx, repository.NoTX, subscriptionID)
	if err != nil {
		return nil, err
	}
	ref, err := l.gateway.FetchSubscription(ctx, s.RazorpaySubscriptionID)
	if err != nil {
		return nil, err
	}
	if _, err := l.applyStatus(ctx, s, ref.Status); err != nil {
		return nil, err
	}
	return s, nil
}

func (l *subscriptionLedger) ApplyGatewayStatus(ctx context.Context, razorpaySubscriptionID, status string) (*model.Subscription, error) {
	if status == "" {
		return nil, domain.NewValidationError("status", "is required")
	}
	s, err := l.subs.FindByGatewayID(ctx, repository.NoTX, razorpaySubscriptionID)
	if err != nil {
		return nil, err
	}
	if _, err := l.applyStatus(ctx, s, status); err != nil {
		return nil, err
	}
	return s, nil
}

// applyStatus writes status when it differs and enqueues subscription.updated. s is updated in place.
func (l *subscriptionLedger) applyStatus(ctx context.Context, s *model.Subscription, status string) (bool, error) {
	if status == "" || status == s.Status {
		return false, nil
	}
	prev := s.Status
	err := l.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		changed, err := l.subs.UpdateStatus(ctx, tx, s.ID, status)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		s.Status = status
		s.UpdatedAt = time.Now().UTC()
		return l.enqueue(ctx, tx, model.EventSubscriptionUpdated, s)
	})
	if err != nil {
		return false, err
	}
	if s.Status != prev {
		l.log.Info().Str("subscription_id", s.ID).Str("from", prev).Str("to", status).Msg("subscription status changed")
		return true, nil
	}
	return false, nil
}

func (l *subscriptionLedger) RefreshOpen(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	open, err := l.subs.ListOpen(ctx, repository.NoTX, limit)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, s := range open {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		ref, err := l.gateway.FetchSubscription(ctx, s.RazorpaySubscriptionID)
		if err != nil {
			l.log.Warn().Err(err).Str("subscription_id", s.ID).Msg("subscription refresh failed")
			continue
		}
		ok, err := l.applyStatus(ctx, s, ref.Status)
		if err != nil {
			l.log.Warn().Err(err).Str("subscription_id", s.ID).Msg("subscription status update failed")
			continue
		}
		if ok {
			changed++
		}
	}
	return changed, nil
}

func (l *subscriptionLedger) ListByUser(ctx context.Context, userID string) ([]*model.Subscription, error) {
	if userID == "" {
		return nil, domain.NewValidationError("user_id", "is required")
	}
	return l.subs.ListByUser(ctx, repository.NoTX, userID)
}

func (l *subscriptionLedger) enqueue(ctx context.Context, tx repository.Tx, routingKey string, s *model.Subscription) error {
	body, err := json.Marshal(model.SubscriptionEvent{
		SubscriptionID:         s.ID,
		RazorpaySubscriptionID: s.RazorpaySubscriptionID,
		UserID:                 s.UserID,
		BatchID:                s.BatchID,
		SportID:                s.SportID,
		Status:                 s.Status,
		OccurredAt:             time.Now().UTC(),
	})
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

func currencyOr(c string) string {
	if c == "" {
		return "INR"
	}
	return c
}
