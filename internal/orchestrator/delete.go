package orchestrator

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/envfleet/envfleet/internal/db"
	"github.com/envfleet/envfleet/internal/models"
)

// Delete transitions the environment to Deleted, attempts to release every
// bound resource and session, and removes the record. Release failures are
// logged and do not stop the delete.
func (m *EnvironmentManager) Delete(ctx context.Context, env models.Environment) (result Result) {
	ctx, span, logger := m.startSpan(ctx, "delete", env)
	defer func() { endSpan(span, result) }()

	current, err := m.repo.GetEnvironment(ctx, env.ID)
	if errors.Is(err, db.ErrNotFound) {
		return failure(MessageEnvironmentNotFound, nil)
	}
	if err != nil {
		logger.Error().Err(err).Msg("load environment")
		return failure(MessageInternalError, &env)
	}

	deleted, err := m.update(ctx, current, nil, func(e *models.Environment, c *Changes) error {
		return c.Transition(e, models.StateDeleted, TriggerDelete, "")
	})
	if errors.Is(err, db.ErrNotFound) {
		return failure(MessageEnvironmentNotFound, nil)
	}
	if err != nil {
		logger.Error().Err(err).Msg("persist deleted state")
		return failure(MessageInternalError, &current)
	}

	m.releaseAll(ctx, deleted)

	if err := m.repo.DeleteEnvironment(ctx, deleted.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		logger.Error().Err(err).Msg("remove environment record")
		return failure(MessageInternalError, &deleted)
	}
	return success(http.StatusOK, deleted)
}

// boundResourceIDs lists every distinct broker resource env references.
func boundResourceIDs(env models.Environment) []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, ref := range []*models.ResourceRef{env.Storage, env.Compute, env.OSDisk} {
		if ref != nil {
			add(ref.ResourceID)
		}
	}
	add(env.ArchiveStorageResourceID)
	add(env.ReplacementStorageResourceID)
	return ids
}

// releaseAll deletes every resource and the session in parallel. Each
// delete is attempted regardless of the others' outcome.
func (m *EnvironmentManager) releaseAll(ctx context.Context, env models.Environment) {
	logger := zerolog.Ctx(ctx)
	var g errgroup.Group
	for _, id := range boundResourceIDs(env) {
		g.Go(func() error {
			m.release(ctx, env.ID, id)
			return nil
		})
	}
	if env.Connection.SessionID != "" {
		g.Go(func() error {
			m.deleteSession(ctx, env.Connection.SessionID)
			return nil
		})
	}
	_ = g.Wait()
	logger.Debug().Int("resources", len(boundResourceIDs(env))).Msg("released environment resources")
}
