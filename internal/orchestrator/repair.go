package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/envfleet/envfleet/internal/models"
)

// RepairAction names a repair strategy.
type RepairAction string

const (
	// RepairForceSuspend drives a stuck environment to Shutdown and releases its compute.
	RepairForceSuspend RepairAction = "ForceSuspend"
	// RepairFail marks an environment Failed.
	RepairFail RepairAction = "Fail"
	// RepairInactive marks a running environment whose host went silent Unavailable.
	RepairInactive RepairAction = "Inactive"
)

// ErrUnknownRepair is returned for an action with no registered strategy.
var ErrUnknownRepair = errors.New("unknown repair action")

// RepairWorkflow repairs one environment and returns the persisted result.
type RepairWorkflow interface {
	Execute(ctx context.Context, env models.Environment, reason string) (models.Environment, error)
}

// RepairFunc adapts a function to RepairWorkflow.
type RepairFunc func(ctx context.Context, env models.Environment, reason string) (models.Environment, error)

func (f RepairFunc) Execute(ctx context.Context, env models.Environment, reason string) (models.Environment, error) {
	return f(ctx, env, reason)
}

func defaultRepairs(m *EnvironmentManager) map[RepairAction]RepairWorkflow {
	return map[RepairAction]RepairWorkflow{
		RepairForceSuspend: RepairFunc(m.forceSuspend),
		RepairFail:         RepairFunc(m.failRepair),
		RepairInactive:     RepairFunc(m.inactiveRepair),
	}
}

// Repair runs the strategy registered for action.
func (m *EnvironmentManager) Repair(ctx context.Context, action RepairAction, env models.Environment, reason string) (result Result) {
	ctx, span, logger := m.startSpan(ctx, "repair", env)
	defer func() { endSpan(span, result) }()

	wf, ok := m.repairs[action]
	if !ok {
		logger.Warn().Err(fmt.Errorf("%w: %s", ErrUnknownRepair, action)).Msg("repair rejected")
		return failure(MessageInvalidRequest, &env)
	}
	if reason == "" {
		reason = "repair " + string(action)
	}
	repaired, err := wf.Execute(ctx, env, reason)
	if errors.Is(err, ErrUnsupportedState) {
		return failure(MessageEnvironmentStateInvalid, &env)
	}
	if err != nil {
		logger.Error().Err(err).Str("action", string(action)).Msg("repair failed")
		return failure(MessageInternalError, &env)
	}
	return success(http.StatusOK, repaired)
}

// ForceSuspend is Repair with RepairForceSuspend.
func (m *EnvironmentManager) ForceSuspend(ctx context.Context, env models.Environment) Result {
	return m.Repair(ctx, RepairForceSuspend, env, "force suspend")
}

// forceSuspend lands env in Shutdown from any running or in-flight state,
// releasing compute and any replacement storage an unfinished resume left.
// Shutdown and Archived environments are returned unchanged.
func (m *EnvironmentManager) forceSuspend(ctx context.Context, env models.Environment, reason string) (models.Environment, error) {
	var released []string
	done, err := m.update(ctx, env, func(e models.Environment) error {
		switch e.State {
		case models.StateShutdown, models.StateArchived,
			models.StateAvailable, models.StateAwaiting, models.StateUnavailable,
			models.StateStarting, models.StateQueued, models.StateShuttingDown, models.StateProvisioning:
			return nil
		}
		return fmt.Errorf("%w: cannot force suspend from %s", ErrUnsupportedState, e.State)
	}, func(e *models.Environment, c *Changes) error {
		released = nil
		if e.State.IsShutdown() {
			return nil
		}
		if e.Compute != nil {
			released = append(released, e.Compute.ResourceID)
		}
		if e.ReplacementStorageResourceID != "" {
			released = append(released, e.ReplacementStorageResourceID)
		}
		e.Compute = nil
		e.ReplacementStorageResourceID = ""
		e.ArchiveStorageResourceID = ""
		if e.Transitions.Status(models.TrackerResuming) == models.TransitionInProgress {
			e.SetTransitionStatus(models.TrackerResuming, models.TransitionFailed, m.now())
		}
		if e.State == models.StateAvailable {
			if err := c.Transition(e, models.StateShuttingDown, TriggerRepair, reason); err != nil {
				return err
			}
		}
		if e.OSDisk != nil {
			e.SetTransitionStatus(models.TrackerShuttingDown, models.TransitionSucceeded, m.now())
		}
		return c.Transition(e, models.StateShutdown, TriggerRepair, reason)
	})
	if err != nil {
		return env, err
	}
	for _, id := range released {
		m.release(ctx, done.ID, id)
	}
	return done, nil
}

func (m *EnvironmentManager) failRepair(ctx context.Context, env models.Environment, reason string) (models.Environment, error) {
	return m.update(ctx, env, func(e models.Environment) error {
		if e.State == models.StateFailed || models.AllowedTransition(e.State, models.StateFailed) {
			return nil
		}
		return fmt.Errorf("%w: cannot fail from %s", ErrUnsupportedState, e.State)
	}, func(e *models.Environment, c *Changes) error {
		return c.Fail(e, TriggerRepair, reason, false)
	})
}

func (m *EnvironmentManager) inactiveRepair(ctx context.Context, env models.Environment, reason string) (models.Environment, error) {
	return m.update(ctx, env, func(e models.Environment) error {
		switch e.State {
		case models.StateAvailable, models.StateAwaiting, models.StateUnavailable:
			return nil
		}
		return fmt.Errorf("%w: cannot mark %s inactive", ErrUnsupportedState, e.State)
	}, func(e *models.Environment, c *Changes) error {
		return c.Transition(e, models.StateUnavailable, TriggerRepair, reason)
	})
}
