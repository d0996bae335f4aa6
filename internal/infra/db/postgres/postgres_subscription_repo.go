package postgres

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/model"
	"payment-settlement/internal/domain/ports/repository"
)

// Ensure subscriptionRepo implements repository.SubscriptionRepository
var _ repository.SubscriptionRepository = (*subscriptionRepo)(nil)

const subscriptionColumns = `id, user_id, batch_id, sport_id, razorpay_subscription_id, status, plan_id, amount, currency, start_date, created_at, updated_at`

// openStatuses mirrors model.OpenSubscriptionStatuses and the uq_subscriptions_open index.
const openStatuses = `('created','authenticated','active','pending')`

type subscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *subscriptionRepo {
	return &subscriptionRepo{pool: pool}
}

func (r *subscriptionRepo) Create(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	const q = `
INSERT INTO subscriptions (` + subscriptionColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);`

	_, err := execSQL(ctx, r.pool, tx, q, s.ID, s.UserID, s.BatchID, s.SportID, s.RazorpaySubscriptionID, s.Status,
		s.PlanID, s.Amount, s.Currency, s.StartDate, s.CreatedAt, s.UpdatedAt)
	return mapError(err)
}

func (r *subscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id=$1`
	return r.queryOne(ctx, tx, q, id)
}

func (r *subscriptionRepo) FindByGatewayID(ctx context.Context, tx repository.Tx, gatewayID string) (*model.Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE razorpay_subscription_id=$1`
	return r.queryOne(ctx, tx, q, gatewayID)
}

func (r *subscriptionRepo) FindOpenByUserAndBatch(ctx context.Context, tx repository.Tx, userID, batchID string) (*model.Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions
 WHERE user_id=$1 AND batch_id=$2 AND status IN ` + openStatuses + `
 ORDER BY created_at DESC LIMIT 1`
	return r.queryOne(ctx, tx, q, userID, batchID)
}

func (r *subscriptionRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string) ([]*model.Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id=$1 ORDER BY created_at DESC;`
	return r.queryMany(ctx, tx, q, userID)
}

func (r *subscriptionRepo) ListOpen(ctx context.Context, tx repository.Tx, limit int) ([]*model.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions
 WHERE status IN ` + openStatuses + `
 ORDER BY updated_at ASC LIMIT $1;`
	return r.queryMany(ctx, tx, q, limit)
}

func (r *subscriptionRepo) UpdateStatus(ctx context.Context, tx repository.Tx, id, status string) (bool, error) {
	const q = `UPDATE subscriptions SET status=$2, updated_at=NOW() WHERE id=$1 AND status <> $2;`
	cmd, err := execSQL(ctx, r.pool, tx, q, id, status)
	if err != nil {
		return false, mapError(err)
	}
	return cmd.RowsAffected() == 1, nil
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	s := &model.Subscription{}
	err := row.Scan(&s.ID, &s.UserID, &s.BatchID, &s.SportID, &s.RazorpaySubscriptionID, &s.Status, &s.PlanID,
		&s.Amount, &s.Currency, &s.StartDate, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (r *subscriptionRepo) queryOne(ctx context.Context, tx repository.Tx, q string, args ...interface{}) (*model.Subscription, error) {
	if inTx(tx) {
		q += " FOR UPDATE"
	}
	row, err := pickRow(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	s, err := scanSubscription(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return s, nil
}

func (r *subscriptionRepo) queryMany(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.Subscription, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, s)
	}
	return out, mapError(rows.Err())
}
