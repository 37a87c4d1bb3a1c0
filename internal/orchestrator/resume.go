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
	"github.com/envfleet/envfleet/internal/tracing"
	"github.com/envfleet/envfleet/internal/workspace"
)

// Resume starts a Shutdown or Archived environment again.
//
// Starting and Available environments are returned unchanged. Any other
// state that is not shut down is rejected without touching bindings.
// Windows SKUs and subnet-joined environments resume on the durable queue.
func (m *EnvironmentManager) Resume(ctx context.Context, env models.Environment, start StartParams, sub models.Subscription) (result Result) {
	ctx, span, logger := m.startSpan(ctx, "resume", env)
	defer func() { endSpan(span, result) }()

	switch {
	case env.State == models.StateStarting || env.State == models.StateAvailable:
		return success(http.StatusOK, env)
	case env.IsStatic():
		return failure(MessageStaticEnvironmentNotSupported, &env)
	case !env.State.IsShutdown():
		return failure(MessageEnvironmentNotShutdown, &env)
	case sub.Banned:
		return failure(MessageSubscriptionIsBanned, &env)
	case !sub.IsBillable():
		return failure(MessageSubscriptionNotRegistered, &env)
	}
	sku, err := m.catalog.Lookup(env.SKUName)
	if err != nil {
		return failure(MessageInvalidSKU, &env)
	}
	code, err := m.checkQuota(ctx, env, nil, sub, sku.Name)
	if err != nil {
		logger.Error().Err(err).Msg("check quota")
	}
	if code != MessageNone {
		return failure(code, &env)
	}
	windows := sku.OS == models.OSWindows
	if windows && !m.opts.Flags().WindowsResumeEnabled {
		return failure(MessageWindowsResumeDisabled, &env)
	}

	if windows || env.SubnetResourceID != "" {
		oldSession := env.Connection.SessionID
		queued, err := m.update(ctx, env, requireShutdown, func(e *models.Environment, c *Changes) error {
			e.Connection = models.Connection{}
			e.ResetTransition(models.TrackerShuttingDown)
			e.SetTransitionStatus(models.TrackerResuming, models.TransitionInProgress, m.now())
			return c.Transition(e, models.StateQueued, TriggerResume, "queued for resume")
		})
		if errors.Is(err, errNotShutdown) {
			return failure(MessageEnvironmentNotShutdown, &env)
		}
		if err != nil {
			logger.Error().Err(err).Msg("queue resume")
			return failure(MessageInternalError, &env)
		}
		m.deleteSession(ctx, oldSession)
		if _, err := m.dispatcher.Enqueue(ctx, continuation.WorkflowResume, m.inputFor(queued, start.params())); err != nil {
			logger.Error().Err(err).Msg("enqueue resume workflow")
			return m.compensateResume(ctx, queued)
		}
		return success(http.StatusAccepted, queued)
	}

	resumed, code := m.resume(ctx, env, start)
	if code != MessageNone {
		return failure(code, &resumed)
	}
	return success(http.StatusOK, resumed)
}

var errNotShutdown = errors.New("environment is not shut down")

func requireShutdown(e models.Environment) error {
	if !e.State.IsShutdown() {
		return fmt.Errorf("%w: %s", errNotShutdown, e.State)
	}
	return nil
}

// resume allocates compute, and replacement storage when resuming from
// archive, then starts it. env must be Shutdown, Archived or Queued.
func (m *EnvironmentManager) resume(ctx context.Context, env models.Environment, start StartParams) (models.Environment, MessageCode) {
	logger := zerolog.Ctx(ctx)
	sku, err := m.catalog.Lookup(env.SKUName)
	if err != nil {
		return env, MessageInvalidSKU
	}
	var reqs []broker.AllocateRequest
	if env.Compute == nil {
		reqs = append(reqs, computeRequest(env, sku))
	}
	fromArchive := env.Storage.IsArchive()
	if fromArchive && env.ReplacementStorageResourceID == "" {
		req := storageRequest(env, sku)
		req.ExtendedProperties[broker.PropertySourceStorageID] = env.Storage.ResourceID
		reqs = append(reqs, req)
	}
	refs, err := m.allocate(ctx, env.ID, reqs)
	if err != nil {
		logger.Warn().Err(err).Msg("resume allocation failed")
		if env.State == models.StateQueued {
			return m.compensateResume(ctx, env).env(env), MessageUnableToAllocateResources
		}
		return env, MessageUnableToAllocateResources
	}
	releaseNew := func() {
		for _, ref := range refs {
			m.release(ctx, env.ID, ref.ResourceID)
		}
	}

	bound := env.Clone()
	replacementID := bound.ReplacementStorageResourceID
	for _, ref := range refs {
		switch ref.Kind {
		case models.ResourceComputeVM:
			bound.Compute = &ref
		case models.ResourceStorage:
			replacementID = ref.ResourceID
		}
	}

	conn, err := m.sessions.CreateSession(ctx, workspace.SessionRequest{
		EnvironmentType: env.Type,
		EnvironmentID:   env.ID,
		ComputeID:       bound.Compute.ResourceID,
		ServiceURI:      m.serviceURI(start),
		Identity:        start.Identity,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("create session")
		releaseNew()
		if env.State == models.StateQueued {
			return m.compensateResume(ctx, env).env(env), MessageUnableToAllocateResources
		}
		return env, MessageUnableToAllocateResources
	}
	storageID := ""
	if bound.Storage != nil {
		storageID = bound.Storage.ResourceID
	}
	if fromArchive {
		storageID = replacementID
	}
	requests, err := m.startRequests(bound, start, storageID)
	if err != nil {
		logger.Error().Err(err).Msg("build start request")
		releaseNew()
		m.deleteSession(ctx, conn.SessionID)
		return env, MessageInternalError
	}
	if fromArchive {
		requests = append(requests, broker.ResourceStartRequest{ResourceID: env.Storage.ResourceID, Kind: models.ResourceStorageArchive})
	}

	oldSession := env.Connection.SessionID
	persisted, err := m.update(ctx, env, func(e models.Environment) error {
		if e.State != models.StateQueued {
			return requireShutdown(e)
		}
		return nil
	}, func(e *models.Environment, c *Changes) error {
		e.Compute = bound.Compute
		if fromArchive {
			e.ReplacementStorageResourceID = replacementID
			e.ArchiveStorageResourceID = e.Storage.ResourceID
		}
		e.Connection = conn
		e.ResetTransition(models.TrackerShuttingDown)
		e.SetTransitionStatus(models.TrackerResuming, models.TransitionInProgress, m.now())
		e.LastUsed = m.now()
		if err := c.Transition(e, models.StateStarting, TriggerResume, ""); err != nil {
			return err
		}
		e.StateTimeout = m.deadline()
		return nil
	})
	if err != nil {
		releaseNew()
		m.deleteSession(ctx, conn.SessionID)
		if errors.Is(err, errNotShutdown) {
			return env, MessageEnvironmentNotShutdown
		}
		logger.Error().Err(err).Msg("persist resume")
		return env, MessageInternalError
	}
	if oldSession != "" && oldSession != conn.SessionID {
		m.deleteSession(ctx, oldSession)
	}

	started, err := m.broker.Start(ctx, persisted.ID, broker.ActionResumeCompute, requests)
	if err == nil && !started {
		err = errors.New("broker declined to resume compute")
	}
	if err != nil {
		logger.Warn().Err(err).Msg("resume compute")
		return m.compensateResume(ctx, persisted).env(persisted), MessageUnableToAllocateResources
	}
	return persisted, MessageNone
}

// compensateResume undoes a resume that got past allocation by force
// suspending the environment.
func (m *EnvironmentManager) compensateResume(ctx context.Context, env models.Environment) Result {
	suspended, err := m.forceSuspend(ctx, env, "resume failed")
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("compensate failed resume")
		return failure(MessageUnableToAllocateResources, &env)
	}
	return failure(MessageUnableToAllocateResources, &suspended)
}

// env returns the environment carried by r, or fallback.
func (r Result) env(fallback models.Environment) models.Environment {
	if r.Environment != nil {
		return *r.Environment
	}
	return fallback
}

// ResumeCallback finishes a resume from archive: the replacement storage
// becomes the environment's storage and the archive blob is deleted. It is
// a no-op when the storage is no longer an archive.
func (m *EnvironmentManager) ResumeCallback(ctx context.Context, environmentID, storageResourceID, archiveStorageResourceID string) (models.Environment, error) {
	ctx, span, logger := m.startSpan(ctx, "resume_callback", models.Environment{ID: environmentID})
	var err error
	defer func() { tracing.Finish(span, err) }()

	env, err := m.repo.GetEnvironment(ctx, environmentID)
	if err != nil {
		return models.Environment{}, err
	}
	if !env.Storage.IsArchive() {
		return env, nil
	}
	replacementID := storageResourceID
	if replacementID == "" {
		replacementID = env.ReplacementStorageResourceID
	}
	if replacementID == "" {
		err = fmt.Errorf("%w: no replacement storage for %s", ErrUnsupportedState, env.ID)
		return env, err
	}
	archiveID := archiveStorageResourceID
	if archiveID == "" {
		archiveID = env.ArchiveStorageResourceID
	}
	if archiveID == "" {
		archiveID = env.Storage.ResourceID
	}
	details, err := m.broker.Status(ctx, env.ID, replacementID)
	if err != nil {
		err = fmt.Errorf("replacement storage %s: %w", replacementID, err)
		return env, err
	}

	swapped := false
	updated, err := m.update(ctx, env, nil, func(e *models.Environment, _ *Changes) error {
		swapped = e.Storage.IsArchive()
		if !swapped {
			return nil
		}
		e.Storage = details.Ref()
		e.ReplacementStorageResourceID = ""
		e.ArchiveStorageResourceID = ""
		e.ResetTransition(models.TrackerArchiving)
		return nil
	})
	if err != nil {
		return env, err
	}
	if swapped {
		m.release(ctx, env.ID, archiveID)
		logger.Info().Str("storage_id", replacementID).Str("archive_id", archiveID).Msg("archive storage replaced")
	}
	return updated, nil
}

// runResume is the queued half of Resume.
func (m *EnvironmentManager) runResume(ctx context.Context, in continuation.Input) (continuation.Result, error) {
	env, err := m.repo.GetEnvironment(ctx, in.EnvironmentID)
	if errors.Is(err, db.ErrNotFound) {
		return continuation.Result{Status: continuation.StatusCancelled, Message: err.Error()}, nil
	}
	if err != nil {
		return continuation.Result{Status: continuation.StatusFailed, Message: err.Error()}, err
	}
	if env.State != models.StateQueued {
		return continuation.Result{Status: continuation.StatusCancelled, Message: "environment is " + string(env.State)}, nil
	}
	if _, code := m.resume(ctx, env, startParamsFrom(in.Params)); code != MessageNone {
		return continuation.Result{Status: continuation.StatusFailed, Message: string(code)}, nil
	}
	return continuation.Result{Status: continuation.StatusSuccess}, nil
}
