package postgres

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"payment-settlement/internal/domain"
	"payment-settlement/internal/domain/model"
	"payment-settlement/internal/domain/ports/repository"
)

var _ repository.OutboxRepository = (*outboxRepo)(nil)

// claimLease hides claimed rows from other dispatchers until they are published or retried.
const claimLease = "30 seconds"

type outboxRepo struct{ pool *pgxpool.Pool }

func NewOutboxRepo(pool *pgxpool.Pool) *outboxRepo {
	return &outboxRepo{pool: pool}
}

func (r *outboxRepo) Enqueue(ctx context.Context, tx repository.Tx, m *model.OutboxMessage) error {
	const q = `
INSERT INTO outbox_messages (id, exchange, routing_key, payload, created_at, available_at)
VALUES ($1,$2,$3,$4,$5,$5);`
	_, err := execSQL(ctx, r.pool, tx, q, m.ID, m.Exchange, m.RoutingKey, m.Payload, m.CreatedAt)
	return mapError(err)
}

// Claim leases up to limit due messages. SKIP LOCKED lets several dispatchers run side by side.
func (r *outboxRepo) Claim(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
UPDATE outbox_messages o
   SET available_at = NOW() + INTERVAL '` + claimLease + `'
  FROM (
    SELECT id FROM outbox_messages
     WHERE published_at IS NULL AND available_at <= NOW()
     ORDER BY created_at
     LIMIT $1
     FOR UPDATE SKIP LOCKED
  ) due
 WHERE o.id = due.id
RETURNING o.id, o.exchange, o.routing_key, o.payload, o.attempts, o.last_error, o.created_at;`

	rows, err := queryRows(ctx, r.pool, repository.NoTX, q, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*model.OutboxMessage
	for rows.Next() {
		m := &model.OutboxMessage{}
		if err := rows.Scan(&m.ID, &m.Exchange, &m.RoutingKey, &m.Payload, &m.Attempts, &m.LastError, &m.CreatedAt); err != nil {
			if err == pgx.ErrNoRows {
				return nil, domain.ErrNotFound
			}
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, m)
	}
	return out, mapError(rows.Err())
}

func (r *outboxRepo) MarkPublished(ctx context.Context, id string) error {
	const q = `UPDATE outbox_messages SET published_at=NOW(), last_error=NULL WHERE id=$1;`
	_, err := execSQL(ctx, r.pool, repository.NoTX, q, id)
	return mapError(err)
}

func (r *outboxRepo) MarkFailed(ctx context.Context, id string, retryAfterSeconds int, lastErr string) error {
	const q = `
UPDATE outbox_messages
   SET attempts = attempts + 1,
       last_error = $3,
       available_at = NOW() + make_interval(secs => $2)
 WHERE id = $1;`
	_, err := execSQL(ctx, r.pool, repository.NoTX, q, id, retryAfterSeconds, lastErr)
	return mapError(err)
}
