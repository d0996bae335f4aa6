package repository

import (
	"context"

	"payment-settlement/internal/domain/model"
)

type OutboxRepository interface {
	Enqueue(ctx context.Context, tx Tx, m *model.OutboxMessage) error
	// Claim locks up to limit due messages, skipping rows held by other dispatchers.
	Claim(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	MarkPublished(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, retryAfterSeconds int, lastErr string) error
}
