package repository

import (
	"context"

	"payment-settlement/internal/domain/model"
)

// SubscriptionRepository is the port for recurring subscriptions.
type SubscriptionRepository interface {
	Create(ctx context.Context, tx Tx, s *model.Subscription) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Subscription, error)
	FindByGatewayID(ctx context.Context, tx Tx, razorpaySubscriptionID string) (*model.Subscription, error)
	FindOpenByUserAndBatch(ctx context.Context, tx Tx, userID, batchID string) (*model.Subscription, error)
	ListByUser(ctx context.Context, tx Tx, userID string) ([]*model.Subscription, error)
	ListOpen(ctx context.Context, tx Tx, limit int) ([]*model.Subscription, error)
	UpdateStatus(ctx context.Context, tx Tx, id, status string) (bool, error)
}
