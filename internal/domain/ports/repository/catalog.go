package repository

import (
	"context"

	"payment-settlement/internal/domain/model"
)

// CatalogRepository reads sports, batches and enrollments owned by the catalog subsystem.
type CatalogRepository interface {
	FindSport(ctx context.Context, tx Tx, id string) (*model.Sport, error)
	FindBatch(ctx context.Context, tx Tx, id string) (*model.Batch, error)
	FindEnrollment(ctx context.Context, tx Tx, id string) (*model.Enrollment, error)
	// SetSportPlanIDIfEmpty writes the plan id only when none is cached; first writer wins.
	SetSportPlanIDIfEmpty(ctx context.Context, tx Tx, sportID, planID string) (bool, error)
}
