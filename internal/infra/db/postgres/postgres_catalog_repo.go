package postgres

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/model"
	"payment-settlement/internal/domain/ports/repository"
)

var _ repository.CatalogRepository = (*catalogRepo)(nil)

type catalogRepo struct{ pool *pgxpool.Pool }

func NewCatalogRepo(pool *pgxpool.Pool) *catalogRepo {
	return &catalogRepo{pool: pool}
}

func notFoundOr(err error) error {
	if err == pgx.ErrNoRows {
		return domain.ErrNotFound
	}
	return domain.ErrReadDatabaseRow
}

func (r *catalogRepo) FindSport(ctx context.Context, tx repository.Tx, id string) (*model.Sport, error) {
	const q = `SELECT id, name, monthly_fee, currency, razorpay_plan_id FROM sports WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	s := &model.Sport{}
	if err := row.Scan(&s.ID, &s.Name, &s.MonthlyFee, &s.Currency, &s.RazorpayPlanID); err != nil {
		return nil, notFoundOr(err)
	}
	return s, nil
}

func (r *catalogRepo) FindBatch(ctx context.Context, tx repository.Tx, id string) (*model.Batch, error) {
	const q = `SELECT id, sport_id, name FROM batches WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	b := &model.Batch{}
	if err := row.Scan(&b.ID, &b.SportID, &b.Name); err != nil {
		return nil, notFoundOr(err)
	}
	return b, nil
}

func (r *catalogRepo) FindEnrollment(ctx context.Context, tx repository.Tx, id string) (*model.Enrollment, error) {
	const q = `SELECT id, user_id, batch_id, sport_id FROM enrollments WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	e := &model.Enrollment{}
	if err := row.Scan(&e.ID, &e.UserID, &e.BatchID, &e.SportID); err != nil {
		return nil, notFoundOr(err)
	}
	return e, nil
}

// SetSportPlanIDIfEmpty is the compare-and-set behind plan creation: the first writer wins.
func (r *catalogRepo) SetSportPlanIDIfEmpty(ctx context.Context, tx repository.Tx, sportID, planID string) (bool, error) {
	const q = `UPDATE sports SET razorpay_plan_id=$2 WHERE id=$1 AND (razorpay_plan_id IS NULL OR razorpay_plan_id = '');`
	cmd, err := execSQL(ctx, r.pool, tx, q, sportID, planID)
	if err != nil {
		return false, mapError(err)
	}
	return cmd.RowsAffected() == 1, nil
}
