package orchestrator

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/envfleet/envfleet/internal/db"
	"github.com/envfleet/envfleet/internal/guard"
	"github.com/envfleet/envfleet/internal/models"
	"github.com/envfleet/envfleet/internal/workspace"
)

// Get loads an environment and brings its state up to date: expired
// Provisioning, Starting and ShuttingDown deadlines fail the environment,
// and running environments follow their session's host connectivity.
func (m *EnvironmentManager) Get(ctx context.Context, environmentID string) (result Result) {
	ctx, span, logger := m.startSpan(ctx, "get", models.Environment{ID: environmentID})
	defer func() { endSpan(span, result) }()

	env, err := m.repo.GetEnvironment(ctx, environmentID)
	if errors.Is(err, db.ErrNotFound) {
		return failure(MessageEnvironmentNotFound, nil)
	}
	if err != nil {
		logger.Error().Err(err).Msg("load environment")
		return failure(MessageInternalError, nil)
	}
	return success(http.StatusOK, m.refresh(ctx, env))
}

// GetAuthorized is Get on behalf of id. Access is decided against the
// stored copy before any refresh is written; nonOwnerScopes admit callers
// who do not own the environment.
func (m *EnvironmentManager) GetAuthorized(ctx context.Context, environmentID string, id models.Identity, nonOwnerScopes []string) (result Result) {
	ctx, span, logger := m.startSpan(ctx, "get", models.Environment{ID: environmentID})
	defer func() { endSpan(span, result) }()

	env, err := m.repo.GetEnvironment(ctx, environmentID)
	if errors.Is(err, db.ErrNotFound) {
		return failure(MessageEnvironmentNotFound, nil)
	}
	if err != nil {
		logger.Error().Err(err).Msg("load environment")
		return failure(MessageInternalError, nil)
	}
	if err := guard.AuthorizeEnvironmentAccess(env, id, nonOwnerScopes); err != nil {
		return denied(logger, err)
	}
	return success(http.StatusOK, m.refresh(ctx, env))
}

// denied maps a guard rejection to 401 for anonymous callers and 403
// otherwise. The guard code is logged, never returned.
func denied(logger zerolog.Logger, err error) Result {
	var unauthorized *guard.UnauthorizedError
	if errors.As(err, &unauthorized) && unauthorized.Anonymous() {
		logger.Info().Str("code", unauthorized.Code).Msg("access denied")
		return failure(MessageUnauthorized, nil)
	}
	if unauthorized != nil {
		logger.Info().Str("code", unauthorized.Code).Msg("access denied")
	} else {
		logger.Warn().Err(err).Msg("access denied")
	}
	return failure(MessageForbidden, nil)
}

// List returns the environments matching filter, each refreshed as by Get.
func (m *EnvironmentManager) List(ctx context.Context, filter models.EnvironmentFilter) ([]models.Environment, error) {
	envs, err := m.repo.QueryEnvironments(ctx, filter, nil)
	if err != nil {
		return nil, err
	}
	out := make([]models.Environment, 0, len(envs))
	for _, env := range envs {
		out = append(out, m.refresh(ctx, env))
	}
	return out, nil
}

// planReadScopes admit a scoped token to list a plan.
var planReadScopes = []string{guard.ScopeReadAllInPlan, guard.ScopeReadEnvironments}

// ListForPlan is List over plan on behalf of id, who needs plan access.
func (m *EnvironmentManager) ListForPlan(ctx context.Context, plan models.Plan, id models.Identity) (envs []models.Environment, result Result) {
	ctx, span, logger := m.startSpan(ctx, "list_plan", models.Environment{PlanID: plan.ID})
	defer func() { endSpan(span, result) }()

	if err := guard.AuthorizePlanAccess(plan, id, planReadScopes); err != nil {
		return nil, denied(logger.With().Str("plan_id", plan.ID).Logger(), err)
	}
	envs, err := m.List(ctx, models.EnvironmentFilter{PlanID: plan.ID})
	if err != nil {
		logger.Error().Err(err).Str("plan_id", plan.ID).Msg("list environments")
		return nil, failure(MessageInternalError, nil)
	}
	return envs, Result{StatusCode: http.StatusOK}
}

// connectivity is what the session provider reported.
type connectivity struct {
	sessionID string
	missing   bool
	connected *bool
}

// refresh persists any transition env's deadline or session status calls
// for. Failures are logged and the loaded copy returned.
func (m *EnvironmentManager) refresh(ctx context.Context, env models.Environment) models.Environment {
	logger := zerolog.Ctx(ctx)
	var conn *connectivity
	if (env.State == models.StateAvailable || env.State == models.StateAwaiting) && env.Connection.SessionID != "" {
		status, err := m.sessions.GetStatus(ctx, env.Connection.SessionID)
		switch {
		case errors.Is(err, workspace.ErrSessionNotFound):
			conn = &connectivity{sessionID: env.Connection.SessionID, missing: true}
		case err != nil:
			logger.Warn().Err(err).Str("session_id", env.Connection.SessionID).Msg("session status")
		default:
			conn = &connectivity{sessionID: env.Connection.SessionID, connected: status.HostConnected}
		}
	}
	if !m.needsRefresh(env, conn) {
		return env
	}
	refreshed, err := m.update(ctx, env, nil, func(e *models.Environment, c *Changes) error {
		return m.applyRefresh(e, c, conn)
	})
	if err != nil {
		logger.Warn().Err(err).Str("environment_id", env.ID).Msg("refresh environment state")
		return env
	}
	return refreshed
}

func (m *EnvironmentManager) timedOut(env models.Environment) bool {
	if env.StateTimeout == nil || !m.now().After(*env.StateTimeout) {
		return false
	}
	switch env.State {
	case models.StateProvisioning, models.StateStarting, models.StateShuttingDown:
		return true
	}
	return false
}

func connectivityTarget(env models.Environment, conn *connectivity) models.EnvironmentState {
	if conn == nil || conn.sessionID != env.Connection.SessionID {
		return env.State
	}
	if env.State != models.StateAvailable && env.State != models.StateAwaiting {
		return env.State
	}
	switch {
	case conn.missing:
		return models.StateUnavailable
	case conn.connected == nil:
		return env.State
	case *conn.connected:
		return models.StateAvailable
	default:
		return models.StateAwaiting
	}
}

func (m *EnvironmentManager) needsRefresh(env models.Environment, conn *connectivity) bool {
	return m.timedOut(env) || connectivityTarget(env, conn) != env.State
}

func (m *EnvironmentManager) applyRefresh(e *models.Environment, c *Changes, conn *connectivity) error {
	if m.timedOut(*e) {
		reason := "no callback before " + e.StateTimeout.Format("2006-01-02T15:04:05Z07:00")
		if e.State == models.StateStarting {
			e.SetTransitionStatus(models.TrackerResuming, models.TransitionFailed, m.now())
		}
		return c.Fail(e, TriggerStateTimeout, reason, false)
	}
	target := connectivityTarget(*e, conn)
	if target == e.State {
		return nil
	}
	if target == models.StateAvailable {
		e.LastUsed = m.now()
	}
	return c.Transition(e, target, TriggerHeartbeat, "session connectivity changed")
}
