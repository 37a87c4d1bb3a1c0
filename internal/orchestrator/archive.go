package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/envfleet/envfleet/internal/broker"
	"github.com/envfleet/envfleet/internal/continuation"
	"github.com/envfleet/envfleet/internal/db"
	"github.com/envfleet/envfleet/internal/models"
)

// Archive moves a Shutdown environment's live storage to archive storage.
// The work runs on the archive workflow in whichever venue the flags pick.
func (m *EnvironmentManager) Archive(ctx context.Context, env models.Environment) (result Result) {
	ctx, span, _ := m.startSpan(ctx, "archive", env)
	defer func() { endSpan(span, result) }()

	switch {
	case env.State == models.StateArchived:
		return success(http.StatusOK, env)
	case env.IsStatic():
		return failure(MessageStaticEnvironmentNotSupported, &env)
	case env.State != models.StateShutdown:
		return failure(MessageEnvironmentNotShutdown, &env)
	case env.Storage == nil:
		return failure(MessageEnvironmentStateInvalid, &env)
	}
	return m.dispatchResult(ctx, continuation.WorkflowArchive, env)
}

// Export snapshots the environment's storage through the broker.
func (m *EnvironmentManager) Export(ctx context.Context, env models.Environment) (result Result) {
	ctx, span, _ := m.startSpan(ctx, "export", env)
	defer func() { endSpan(span, result) }()

	switch {
	case env.IsStatic():
		return failure(MessageStaticEnvironmentNotSupported, &env)
	case !env.State.IsShutdown():
		return failure(MessageEnvironmentNotShutdown, &env)
	case env.Storage == nil:
		return failure(MessageEnvironmentStateInvalid, &env)
	}
	return m.dispatchResult(ctx, continuation.WorkflowExport, env)
}

// dispatchResult runs workflow for env and maps the outcome to a Result.
// Queued dispatches return 202 with env as given.
func (m *EnvironmentManager) dispatchResult(ctx context.Context, workflow string, env models.Environment) Result {
	logger := zerolog.Ctx(ctx)
	outcome, err := m.dispatcher.Dispatch(ctx, workflow, m.inputFor(env, nil))
	if errors.Is(err, continuation.ErrStale) {
		return failure(MessageEnvironmentStateInvalid, &env)
	}
	if err != nil {
		logger.Error().Err(err).Str("workflow", workflow).Msg("dispatch workflow")
		return failure(MessageInternalError, &env)
	}
	if outcome.Queued() {
		return success(http.StatusAccepted, env)
	}
	latest, err := m.repo.GetEnvironment(ctx, env.ID)
	if err != nil {
		latest = env
	}
	if !outcome.Result.Succeeded() {
		logger.Warn().Str("workflow", workflow).Str("message", outcome.Result.Message).Msg("workflow did not succeed")
		return failure(MessageUnableToAllocateResources, &latest)
	}
	return success(http.StatusOK, latest)
}

// runArchive allocates archive storage seeded from the live storage, swaps
// the binding, moves the environment to Archived and releases the live
// storage.
func (m *EnvironmentManager) runArchive(ctx context.Context, in continuation.Input) (continuation.Result, error) {
	logger := zerolog.Ctx(ctx)
	env, err := m.repo.GetEnvironment(ctx, in.EnvironmentID)
	if errors.Is(err, db.ErrNotFound) {
		return continuation.Result{Status: continuation.StatusCancelled, Message: err.Error()}, nil
	}
	if err != nil {
		return continuation.Result{Status: continuation.StatusFailed, Message: err.Error()}, err
	}
	if env.State == models.StateArchived {
		return continuation.Result{Status: continuation.StatusSuccess}, nil
	}
	if env.State == models.StateShutdown && env.Storage.IsArchive() {
		return m.rebindArchived(ctx, env)
	}
	if env.State != models.StateShutdown || env.Storage == nil {
		return continuation.Result{Status: continuation.StatusCancelled, Message: "environment is " + string(env.State)}, nil
	}

	marked, err := m.update(ctx, env, nil, func(e *models.Environment, _ *Changes) error {
		e.SetTransitionStatus(models.TrackerArchiving, models.TransitionInProgress, m.now())
		return nil
	})
	if err != nil {
		return continuation.Result{Status: continuation.StatusFailed, Message: err.Error()}, err
	}

	liveID := marked.Storage.ResourceID
	archive, err := m.broker.Allocate(ctx, broker.AllocateRequest{
		EnvironmentID:      marked.ID,
		Kind:               models.ResourceStorageArchive,
		SKUName:            marked.SKUName,
		Location:           marked.Location,
		ExtendedProperties: map[string]string{broker.PropertySourceStorageID: liveID},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("allocate archive storage")
		if _, uerr := m.update(ctx, marked, nil, func(e *models.Environment, _ *Changes) error {
			e.SetTransitionStatus(models.TrackerArchiving, models.TransitionFailed, m.now())
			return nil
		}); uerr != nil {
			logger.Warn().Err(uerr).Msg("record archive failure")
		}
		return continuation.Result{Status: continuation.StatusFailed, Message: err.Error()}, nil
	}

	archived, err := m.update(ctx, marked, func(e models.Environment) error {
		if e.State != models.StateShutdown {
			return fmt.Errorf("%w: environment is %s", ErrUnsupportedState, e.State)
		}
		return nil
	}, func(e *models.Environment, c *Changes) error {
		ref := archive
		e.Storage = &ref
		e.SetTransitionStatus(models.TrackerArchiving, models.TransitionSucceeded, m.now())
		return c.Transition(e, models.StateArchived, TriggerArchive, "")
	})
	if err != nil {
		m.release(ctx, marked.ID, archive.ResourceID)
		if errors.Is(err, ErrUnsupportedState) {
			return continuation.Result{Status: continuation.StatusCancelled, Message: err.Error()}, nil
		}
		return continuation.Result{Status: continuation.StatusFailed, Message: err.Error()}, err
	}
	m.release(ctx, archived.ID, liveID)
	return continuation.Result{Status: continuation.StatusSuccess}, nil
}

// rebindArchived moves a Shutdown environment that still holds archive
// storage, as a failed resume from Archived leaves it, back to Archived.
func (m *EnvironmentManager) rebindArchived(ctx context.Context, env models.Environment) (continuation.Result, error) {
	_, err := m.update(ctx, env, func(e models.Environment) error {
		if e.State != models.StateShutdown || !e.Storage.IsArchive() {
			return fmt.Errorf("%w: environment is %s", ErrUnsupportedState, e.State)
		}
		return nil
	}, func(e *models.Environment, c *Changes) error {
		e.ArchiveStorageResourceID = ""
		e.SetTransitionStatus(models.TrackerArchiving, models.TransitionSucceeded, m.now())
		return c.Transition(e, models.StateArchived, TriggerArchive, "archive storage already bound")
	})
	if errors.Is(err, ErrUnsupportedState) {
		return continuation.Result{Status: continuation.StatusCancelled, Message: err.Error()}, nil
	}
	if err != nil {
		return continuation.Result{Status: continuation.StatusFailed, Message: err.Error()}, err
	}
	return continuation.Result{Status: continuation.StatusSuccess}, nil
}

// runExport asks the broker for the storage status, starts the export and
// records an export event.
func (m *EnvironmentManager) runExport(ctx context.Context, in continuation.Input) (continuation.Result, error) {
	env, err := m.repo.GetEnvironment(ctx, in.EnvironmentID)
	if errors.Is(err, db.ErrNotFound) {
		return continuation.Result{Status: continuation.StatusCancelled, Message: err.Error()}, nil
	}
	if err != nil {
		return continuation.Result{Status: continuation.StatusFailed, Message: err.Error()}, err
	}
	if env.Storage == nil {
		return continuation.Result{Status: continuation.StatusCancelled, Message: "no storage bound"}, nil
	}
	details, err := m.broker.Status(ctx, env.ID, env.Storage.ResourceID)
	if err != nil {
		return continuation.Result{Status: continuation.StatusFailed, Message: err.Error()}, nil
	}
	started, err := m.broker.Start(ctx, env.ID, broker.ActionExport, []broker.ResourceStartRequest{{
		ResourceID: details.ResourceID,
		Kind:       details.Kind,
	}})
	if err == nil && !started {
		err = errors.New("broker declined to export storage")
	}
	status := models.TransitionSucceeded
	if err != nil {
		status = models.TransitionFailed
	}
	if _, uerr := m.update(ctx, env, nil, func(e *models.Environment, _ *Changes) error {
		e.SetTransitionStatus(models.TrackerExporting, status, m.now())
		return nil
	}); uerr != nil {
		zerolog.Ctx(ctx).Warn().Err(uerr).Msg("record export status")
	}
	if err != nil {
		return continuation.Result{Status: continuation.StatusFailed, Message: err.Error()}, nil
	}
	if m.metrics != nil {
		m.metrics.PostEvent(ctx, EventNamespace, EventExported, map[string]string{
			"environmentId": env.ID,
			"storageId":     details.ResourceID,
			"sizeBytes":     fmt.Sprint(details.SizeBytes),
		}, "", m.now())
	}
	return continuation.Result{Status: continuation.StatusSuccess}, nil
}
