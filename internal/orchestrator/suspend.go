package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/envfleet/envfleet/internal/continuation"
	"github.com/envfleet/envfleet/internal/db"
	"github.com/envfleet/envfleet/internal/models"
)

// Suspend asks the broker to stop an Available environment's compute. The
// environment stays ShuttingDown until SuspendCallback. Environments that
// are not Available are force suspended instead.
func (m *EnvironmentManager) Suspend(ctx context.Context, env models.Environment) (result Result) {
	ctx, span, logger := m.startSpan(ctx, "suspend", env)
	defer func() { endSpan(span, result) }()

	switch {
	case env.State.IsShutdown():
		return success(http.StatusOK, env)
	case env.IsStatic():
		return failure(MessageStaticEnvironmentNotSupported, &env)
	case env.State != models.StateAvailable:
		suspended, err := m.forceSuspend(ctx, env, "suspend requested")
		if errors.Is(err, ErrUnsupportedState) {
			return failure(MessageEnvironmentStateInvalid, &env)
		}
		if err != nil {
			logger.Error().Err(err).Msg("force suspend")
			return failure(MessageInternalError, &env)
		}
		return success(http.StatusOK, suspended)
	}

	shuttingDown, err := m.update(ctx, env, func(e models.Environment) error {
		if e.State != models.StateAvailable {
			return fmt.Errorf("%w: environment is %s", ErrUnsupportedState, e.State)
		}
		return nil
	}, func(e *models.Environment, c *Changes) error {
		e.ResetTransition(models.TrackerResuming)
		if err := c.Transition(e, models.StateShuttingDown, TriggerSuspend, ""); err != nil {
			return err
		}
		e.StateTimeout = m.deadline()
		return nil
	})
	if errors.Is(err, ErrUnsupportedState) {
		// Lost a race with another transition; retry against the new state.
		fresh, getErr := m.repo.GetEnvironment(ctx, env.ID)
		if getErr != nil || fresh.State == models.StateAvailable {
			return failure(MessageInternalError, &env)
		}
		return m.Suspend(ctx, fresh)
	}
	if err != nil {
		logger.Error().Err(err).Msg("persist shutting down")
		return failure(MessageInternalError, &env)
	}
	if shuttingDown.Compute == nil {
		return m.finishSuspend(ctx, shuttingDown)
	}
	if err := m.broker.Suspend(ctx, shuttingDown.ID, shuttingDown.Compute.ResourceID); err != nil {
		logger.Warn().Err(err).Msg("broker suspend failed")
		suspended, fsErr := m.forceSuspend(ctx, shuttingDown, "broker suspend failed")
		if fsErr != nil {
			logger.Error().Err(fsErr).Msg("force suspend")
			return failure(MessageInternalError, &shuttingDown)
		}
		return success(http.StatusOK, suspended)
	}
	return success(http.StatusOK, shuttingDown)
}

func (m *EnvironmentManager) finishSuspend(ctx context.Context, env models.Environment) Result {
	done, err := m.completeShutdown(ctx, env)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("complete shutdown")
		return failure(MessageInternalError, &env)
	}
	return success(http.StatusOK, done)
}

// SuspendCallback is called once compute has stopped. Disk-backed
// environments finish on the shutdown workflow, which is dispatched at most
// once per shutdown; the rest finish immediately. Repeated callbacks are
// no-ops.
func (m *EnvironmentManager) SuspendCallback(ctx context.Context, environmentID string) (result Result) {
	ctx, span, logger := m.startSpan(ctx, "suspend_callback", models.Environment{ID: environmentID})
	defer func() { endSpan(span, result) }()

	env, err := m.repo.GetEnvironment(ctx, environmentID)
	if errors.Is(err, db.ErrNotFound) {
		return failure(MessageEnvironmentNotFound, nil)
	}
	if err != nil {
		logger.Error().Err(err).Msg("load environment")
		return failure(MessageInternalError, nil)
	}
	if env.State.IsShutdown() && env.Compute == nil {
		return success(http.StatusOK, env)
	}
	if env.State != models.StateShuttingDown && env.State != models.StateShutdown {
		return failure(MessageEnvironmentStateInvalid, &env)
	}
	if env.OSDisk == nil {
		return m.finishSuspend(ctx, env)
	}

	claimed := false
	marked, err := m.update(ctx, env, nil, func(e *models.Environment, _ *Changes) error {
		claimed = false
		switch e.Transitions.Status(models.TrackerShuttingDown) {
		case models.TransitionInProgress, models.TransitionSucceeded:
			return nil
		}
		e.SetTransitionStatus(models.TrackerShuttingDown, models.TransitionInProgress, m.now())
		claimed = true
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("claim shutdown")
		return failure(MessageInternalError, &env)
	}
	if !claimed {
		return success(http.StatusOK, marked)
	}
	outcome, err := m.dispatcher.Dispatch(ctx, continuation.WorkflowShutdown, m.inputFor(marked, nil))
	if err != nil || (!outcome.Queued() && !outcome.Result.Succeeded()) {
		// Release the claim so a redelivered callback can try again.
		m.releaseShutdownClaim(ctx, environmentID)
	}
	if err != nil {
		logger.Error().Err(err).Msg("dispatch shutdown workflow")
		return failure(MessageInternalError, &marked)
	}
	if outcome.Queued() {
		return success(http.StatusAccepted, marked)
	}
	latest, err := m.repo.GetEnvironment(ctx, environmentID)
	if err != nil {
		return success(http.StatusOK, marked)
	}
	return success(http.StatusOK, latest)
}

// releaseShutdownClaim marks an in-progress ShuttingDown tracker Failed.
func (m *EnvironmentManager) releaseShutdownClaim(ctx context.Context, environmentID string) {
	env, err := m.repo.GetEnvironment(ctx, environmentID)
	if err == nil {
		_, err = m.update(ctx, env, nil, func(e *models.Environment, _ *Changes) error {
			if e.Transitions.Status(models.TrackerShuttingDown) == models.TransitionInProgress {
				e.SetTransitionStatus(models.TrackerShuttingDown, models.TransitionFailed, m.now())
			}
			return nil
		})
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("release shutdown claim")
	}
}

// completeShutdown moves a ShuttingDown environment to Shutdown and
// releases its compute. The OS disk and storage are kept.
func (m *EnvironmentManager) completeShutdown(ctx context.Context, env models.Environment) (models.Environment, error) {
	var computeID string
	done, err := m.update(ctx, env, func(e models.Environment) error {
		if e.State != models.StateShuttingDown && e.State != models.StateShutdown {
			return fmt.Errorf("%w: environment is %s", ErrUnsupportedState, e.State)
		}
		return nil
	}, func(e *models.Environment, c *Changes) error {
		computeID = ""
		if e.Compute != nil {
			computeID = e.Compute.ResourceID
		}
		e.Compute = nil
		if e.OSDisk != nil {
			e.SetTransitionStatus(models.TrackerShuttingDown, models.TransitionSucceeded, m.now())
		}
		return c.Transition(e, models.StateShutdown, TriggerSuspendCallback, "")
	})
	if err != nil {
		return env, err
	}
	m.release(ctx, done.ID, computeID)
	return done, nil
}

// runShutdown is the shutdown workflow for disk-backed environments.
func (m *EnvironmentManager) runShutdown(ctx context.Context, in continuation.Input) (continuation.Result, error) {
	env, err := m.repo.GetEnvironment(ctx, in.EnvironmentID)
	if errors.Is(err, db.ErrNotFound) {
		return continuation.Result{Status: continuation.StatusCancelled, Message: err.Error()}, nil
	}
	if err != nil {
		return continuation.Result{Status: continuation.StatusFailed, Message: err.Error()}, err
	}
	if env.State.IsShutdown() && env.Compute == nil {
		return continuation.Result{Status: continuation.StatusSuccess}, nil
	}
	if _, err := m.completeShutdown(ctx, env); err != nil {
		if errors.Is(err, ErrUnsupportedState) {
			return continuation.Result{Status: continuation.StatusCancelled, Message: err.Error()}, nil
		}
		return continuation.Result{Status: continuation.StatusFailed, Message: err.Error()}, err
	}
	return continuation.Result{Status: continuation.StatusSuccess}, nil
}
