package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/model"
	"payment-settlement/internal/domain/ports/repository"
)

var _ repository.PaymentRepository = (*paymentRepo)(nil)

const paymentColumns = `p.id, p.user_id, p.enrollment_id, p.amount, p.currency, p.status, p.method, p.order_id,
 p.transaction_id, p.receipt_number, p.payment_period, p.failure_reason, p.payment_date, p.created_at, p.updated_at,
 p.refunded, p.refund_amount, p.refund_reason, p.refund_date, p.refund_gateway_id`

type paymentRepo struct{ pool *pgxpool.Pool }

func NewPaymentRepo(pool *pgxpool.Pool) *paymentRepo {
	return &paymentRepo{pool: pool}
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	p := &model.Payment{}
	var status string
	err := row.Scan(&p.ID, &p.UserID, &p.EnrollmentID, &p.Amount, &p.Currency, &status, &p.Method, &p.OrderID,
		&p.TransactionID, &p.ReceiptNumber, &p.PaymentPeriod, &p.FailureReason, &p.PaymentDate, &p.CreatedAt, &p.UpdatedAt,
		&p.Refunded, &p.RefundAmount, &p.RefundReason, &p.RefundDate, &p.RefundGatewayID)
	if err != nil {
		return nil, err
	}
	p.Status = model.PaymentStatus(status)
	return p, nil
}

func (r *paymentRepo) Create(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	const q = `
INSERT INTO payments (
  id, user_id, enrollment_id, amount, currency, status, method, order_id, receipt_number, payment_period, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12);`

	_, err := execSQL(ctx, r.pool, tx, q, p.ID, p.UserID, p.EnrollmentID, p.Amount, p.Currency, string(p.Status), p.Method,
		p.OrderID, p.ReceiptNumber, p.PaymentPeriod, p.CreatedAt, p.UpdatedAt)
	return mapError(err)
}

func (r *paymentRepo) findOne(ctx context.Context, tx repository.Tx, where string, arg any) (*model.Payment, error) {
	q := `SELECT ` + paymentColumns + ` FROM payments p WHERE ` + where
	if inTx(tx) {
		q += " FOR UPDATE"
	}
	row, err := pickRow(ctx, r.pool, tx, q, arg)
	if err != nil {
		return nil, err
	}
	p, err := scanPayment(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return p, nil
}

func (r *paymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Payment, error) {
	return r.findOne(ctx, tx, "p.id=$1", id)
}

func (r *paymentRepo) FindByOrderID(ctx context.Context, tx repository.Tx, orderID string) (*model.Payment, error) {
	return r.findOne(ctx, tx, "p.order_id=$1", orderID)
}

func (r *paymentRepo) ExistsForPeriod(ctx context.Context, tx repository.Tx, userID, enrollmentID, period string) (bool, error) {
	const q = `SELECT EXISTS (
  SELECT 1 FROM payments WHERE user_id=$1 AND enrollment_id=$2 AND payment_period=$3 AND status <> 'failed'
);`
	row, err := pickRow(ctx, r.pool, tx, q, userID, enrollmentID, period)
	if err != nil {
		return false, err
	}
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, domain.ErrReadDatabaseRow
	}
	return exists, nil
}

func (r *paymentRepo) AttachOrder(ctx context.Context, tx repository.Tx, id, orderID string) (bool, error) {
	const q = `
UPDATE payments
   SET order_id = $2, status = 'attempted', updated_at = NOW()
 WHERE id = $1 AND status = 'pending' AND order_id IS NULL;`
	cmd, err := execSQL(ctx, r.pool, tx, q, id, orderID)
	if err != nil {
		return false, mapError(err)
	}
	return cmd.RowsAffected() == 1, nil
}

// MarkCompletedIfOpen atomically settles the payment only while it is pending or attempted.
func (r *paymentRepo) MarkCompletedIfOpen(ctx context.Context, tx repository.Tx, id string, in repository.CompletionInput) (bool, error) {
	const q = `
UPDATE payments
   SET status = 'completed',
       transaction_id = $2,
       payment_date = $3,
       receipt_number = COALESCE(NULLIF($4, ''), receipt_number),
       updated_at = NOW()
 WHERE id = $1
   AND status IN ('pending','attempted');`
	cmd, err := execSQL(ctx, r.pool, tx, q, id, in.TransactionID, in.PaymentDate, in.ReceiptNumber)
	if err != nil {
		return false, mapError(err)
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *paymentRepo) MarkFailedIfOpen(ctx context.Context, tx repository.Tx, id string, reason string) (bool, error) {
	const q = `
UPDATE payments
   SET status = 'failed', failure_reason = NULLIF($2, ''), updated_at = NOW()
 WHERE id = $1
   AND status IN ('pending','attempted');`
	cmd, err := execSQL(ctx, r.pool, tx, q, id, reason)
	if err != nil {
		return false, mapError(err)
	}
	return cmd.RowsAffected() == 1, nil
}

// ApplyRefund writes all refund fields in one statement; it never touches amount or status.
func (r *paymentRepo) ApplyRefund(ctx context.Context, tx repository.Tx, id string, in repository.RefundInput) (bool, error) {
	const q = `
UPDATE payments
   SET refunded = TRUE,
       refund_amount = $2,
       refund_reason = $3,
       refund_date = $4,
       refund_gateway_id = $5,
       updated_at = NOW()
 WHERE id = $1
   AND status = 'completed'
   AND refunded = FALSE
   AND amount >= $2;`
	cmd, err := execSQL(ctx, r.pool, tx, q, id, in.Amount, in.Reason, in.Date, in.GatewayID)
	if err != nil {
		return false, mapError(err)
	}
	return cmd.RowsAffected() == 1, nil
}

// buildFilter renders f as a WHERE clause over payments p joined with enrollments e.
func buildFilter(f model.PaymentFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("p.status = $%d", string(f.Status))
	}
	if f.UserID != "" {
		add("p.user_id = $%d", f.UserID)
	}
	if f.EnrollmentID != "" {
		add("p.enrollment_id = $%d", f.EnrollmentID)
	}
	if f.BatchID != "" {
		add("e.batch_id = $%d", f.BatchID)
	}
	if f.SportID != "" {
		add("e.sport_id = $%d", f.SportID)
	}
	if f.Method != "" {
		add("p.method = $%d", f.Method)
	}
	if f.From != nil {
		add("p.created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("p.created_at <= $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *paymentRepo) List(ctx context.Context, tx repository.Tx, f model.PaymentFilter) ([]*model.Payment, error) {
	where, args := buildFilter(f)
	q := `SELECT ` + paymentColumns + ` FROM payments p JOIN enrollments e ON e.id = p.enrollment_id` + where +
		` ORDER BY p.created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// Stats aggregates revenue over completed payments. Status counts cover every payment in the filter.
func (r *paymentRepo) Stats(ctx context.Context, tx repository.Tx, f model.PaymentFilter) (*model.PaymentStats, error) {
	where, args := buildFilter(f)
	from := ` FROM payments p JOIN enrollments e ON e.id = p.enrollment_id` + where

	st := &model.PaymentStats{
		CountByStatus:   map[model.PaymentStatus]int{},
		RevenueByMethod: map[string]int64{},
		RevenueBySport:  map[string]int64{},
		RevenueByBatch:  map[string]int64{},
	}

	completed := " AND p.status = 'completed'"
	if where == "" {
		completed = " WHERE p.status = 'completed'"
	}

	row, err := pickRow(ctx, r.pool, tx,
		`SELECT COALESCE(SUM(p.amount),0)::BIGINT, COALESCE(SUM(p.refund_amount),0)::BIGINT`+from+completed, args...)
	if err != nil {
		return nil, err
	}
	if err := row.Scan(&st.TotalRevenue, &st.RefundedTotal); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}

	if err := r.groupCount(ctx, tx, `SELECT p.status, COUNT(*)`+from+` GROUP BY p.status`, args, func(k string, n int64) {
		st.CountByStatus[model.PaymentStatus(k)] = int(n)
	}); err != nil {
		return nil, err
	}
	groups := []struct {
		col string
		dst map[string]int64
	}{
		{"p.method", st.RevenueByMethod},
		{"e.sport_id", st.RevenueBySport},
		{"e.batch_id", st.RevenueByBatch},
	}
	for _, g := range groups {
		dst := g.dst
		q := `SELECT ` + g.col + `, COALESCE(SUM(p.amount),0)::BIGINT` + from + completed + ` GROUP BY ` + g.col
		if err := r.groupCount(ctx, tx, q, args, func(k string, n int64) { dst[k] = n }); err != nil {
			return nil, err
		}
	}
	return st, nil
}

func (r *paymentRepo) groupCount(ctx context.Context, tx repository.Tx, q string, args []any, put func(string, int64)) error {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			k string
			n int64
		)
		if err := rows.Scan(&k, &n); err != nil {
			return domain.ErrReadDatabaseRow
		}
		put(k, n)
	}
	return mapError(rows.Err())
}
