package orchestrator

import (
	"context"
	"time"

	"github.com/envfleet/envfleet/internal/models"
)

// Repository is the environment store. UpdateEnvironment must reject a
// copy whose Version no longer matches with an error matching db.ErrConflict.
type Repository interface {
	CreateEnvironment(ctx context.Context, env models.Environment) (models.Environment, error)
	GetEnvironment(ctx context.Context, id string) (models.Environment, error)
	UpdateEnvironment(ctx context.Context, env models.Environment) (models.Environment, error)
	DeleteEnvironment(ctx context.Context, id string) error
	QueryEnvironments(ctx context.Context, filter models.EnvironmentFilter, pred func(models.Environment) bool) ([]models.Environment, error)
}

// BillingSink receives every state change, keyed by the plan that pays for it.
type BillingSink interface {
	RecordStateChange(ctx context.Context, planID string, env models.Environment, oldState, newState string) error
}

// MetricsSink receives lifecycle events. Events posted for one transition
// share a correlation id and timestamp.
type MetricsSink interface {
	PostEvent(ctx context.Context, namespace, name string, properties map[string]string, correlationID string, ts time.Time)
}
