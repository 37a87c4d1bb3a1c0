package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/envfleet/envfleet/internal/broker"
	"github.com/envfleet/envfleet/internal/continuation"
	"github.com/envfleet/envfleet/internal/db"
	"github.com/envfleet/envfleet/internal/models"
	"github.com/envfleet/envfleet/internal/workspace"
)

// createRequest is the validated shape of a new environment.
type createRequest struct {
	ID                       string                 `validate:"required,max=64"`
	FriendlyName             string                 `validate:"required,max=90"`
	PlanID                   string                 `validate:"required"`
	OwnerID                  string                 `validate:"required"`
	SKUName                  string                 `validate:"required_unless=Type Static"`
	Location                 string                 `validate:"required"`
	Type                     models.EnvironmentType `validate:"oneof=Standard Static"`
	AutoShutdownDelayMinutes int                    `validate:"gte=0"`
}

func newCreateRequest(env models.Environment) createRequest {
	return createRequest{
		ID:                       env.ID,
		FriendlyName:             env.FriendlyName,
		PlanID:                   env.PlanID,
		OwnerID:                  env.OwnerID,
		SKUName:                  env.SKUName,
		Location:                 env.Location,
		Type:                     env.Type,
		AutoShutdownDelayMinutes: env.AutoShutdownDelayMinutes,
	}
}

// Create validates and persists a new environment, then provisions it.
//
// Standard environments allocate compute and storage (plus an OS disk for
// Windows SKUs) and start compute before returning, unless start asks for
// queued allocation or the environment joins a subnet. Static environments
// only get a session.
func (m *EnvironmentManager) Create(ctx context.Context, env models.Environment, plan models.Plan, sub models.Subscription, start StartParams) (result Result) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Type == "" {
		env.Type = models.EnvironmentStandard
	}
	if env.SubscriptionID == "" {
		env.SubscriptionID = plan.SubscriptionID
	}
	if env.Location == "" {
		env.Location = plan.Location
	}
	ctx, span, logger := m.startSpan(ctx, "create", env)
	defer func() { endSpan(span, result) }()

	if err := m.validate.Struct(newCreateRequest(env)); err != nil {
		logger.Debug().Err(err).Msg("invalid create request")
		return failure(MessageInvalidRequest, nil)
	}
	if env.PlanID != plan.ID || env.SubscriptionID != sub.ID || plan.SubscriptionID != sub.ID {
		return failure(MessagePlanMismatch, nil)
	}
	if env.IsStatic() {
		env.SKUName = m.opts.StaticSKUName
	} else {
		sku, err := m.catalog.Lookup(env.SKUName)
		if err != nil {
			return failure(MessageInvalidSKU, nil)
		}
		if !sku.AvailableIn(env.Location) {
			return failure(MessageSKUNotAvailableInLocation, nil)
		}
		env.SKUName = sku.Name
	}
	if !plan.AllowsAutoShutdownDelay(env.AutoShutdownDelayMinutes) {
		return failure(MessageInvalidAutoShutdownDelay, nil)
	}

	taken, err := m.nameTaken(ctx, env.PlanID, env.FriendlyName, env.ID)
	if err != nil {
		logger.Error().Err(err).Msg("check name collision")
		return failure(MessageInternalError, nil)
	}
	if taken {
		return failure(MessageEnvironmentNameAlreadyExists, nil)
	}
	if sub.Banned {
		return failure(MessageSubscriptionIsBanned, nil)
	}
	if !sub.IsBillable() {
		return failure(MessageSubscriptionNotRegistered, nil)
	}
	if !env.IsStatic() {
		code, err := m.checkQuota(ctx, env, &plan, sub, env.SKUName)
		if err != nil {
			logger.Error().Err(err).Msg("check quota")
		}
		if code != MessageNone {
			return failure(code, nil)
		}
	}

	fresh := models.Environment{
		ID:                       env.ID,
		FriendlyName:             env.FriendlyName,
		PlanID:                   env.PlanID,
		SubscriptionID:           env.SubscriptionID,
		OwnerID:                  env.OwnerID,
		Type:                     env.Type,
		State:                    models.StateNone,
		SubnetResourceID:         env.SubnetResourceID,
		SKUName:                  env.SKUName,
		AutoShutdownDelayMinutes: env.AutoShutdownDelayMinutes,
		Location:                 env.Location,
	}
	changes := m.recorder.begin()
	if err := changes.Transition(&fresh, models.StateCreated, TriggerCreate, ""); err != nil {
		return failure(MessageInternalError, nil)
	}
	created, err := m.repo.CreateEnvironment(ctx, fresh)
	if errors.Is(err, db.ErrDuplicateName) {
		return failure(MessageEnvironmentNameAlreadyExists, nil)
	}
	if err != nil {
		logger.Error().Err(err).Msg("persist environment")
		return failure(MessageInternalError, nil)
	}
	changes.commit(ctx)

	if created.IsStatic() {
		return m.provisionStatic(ctx, created, start)
	}
	if start.QueueResourceAllocation || created.SubnetResourceID != "" {
		queued, err := m.update(ctx, created, nil, func(e *models.Environment, c *Changes) error {
			return c.Transition(e, models.StateQueued, TriggerCreate, "queued for allocation")
		})
		if err != nil {
			logger.Error().Err(err).Msg("queue environment")
			return failure(MessageInternalError, &created)
		}
		if _, err := m.dispatcher.Enqueue(ctx, continuation.WorkflowCreate, m.inputFor(queued, start.params())); err != nil {
			logger.Error().Err(err).Msg("enqueue create workflow")
			failed := m.markFailed(ctx, queued, TriggerCreate, err.Error(), false)
			return failure(MessageInternalError, &failed)
		}
		return success(http.StatusAccepted, queued)
	}

	provisioned, code := m.provision(ctx, created, start)
	if code != MessageNone {
		return failure(code, &provisioned)
	}
	return success(http.StatusCreated, provisioned)
}

// provision allocates, binds and starts a Created or Queued environment.
// Resources already bound are reused. On failure every resource this call
// allocated is released and the environment is marked Failed.
func (m *EnvironmentManager) provision(ctx context.Context, env models.Environment, start StartParams) (models.Environment, MessageCode) {
	logger := zerolog.Ctx(ctx)
	sku, err := m.catalog.Lookup(env.SKUName)
	if err != nil {
		return m.markFailed(ctx, env, TriggerCreate, err.Error(), true), MessageInvalidSKU
	}

	var reqs []broker.AllocateRequest
	if env.Compute == nil {
		reqs = append(reqs, computeRequest(env, sku))
	}
	if env.Storage == nil {
		reqs = append(reqs, storageRequest(env, sku))
	}
	if sku.OS == models.OSWindows && env.OSDisk == nil {
		reqs = append(reqs, diskRequest(env, sku))
	}
	refs, err := m.allocate(ctx, env.ID, reqs)
	if err != nil {
		logger.Warn().Err(err).Msg("allocation failed")
		return m.markFailed(ctx, env, TriggerAllocationFailed, err.Error(), errors.Is(err, broker.ErrAllocationRejected)), MessageUnableToAllocateResources
	}
	bound := env.Clone()
	bind(&bound, refs)
	releaseNew := func() {
		for _, ref := range refs {
			m.release(ctx, env.ID, ref.ResourceID)
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
		return m.markFailed(ctx, env, TriggerAllocationFailed, err.Error(), false), MessageUnableToAllocateResources
	}
	requests, err := m.startRequests(bound, start, bound.Storage.ResourceID)
	if err != nil {
		logger.Error().Err(err).Msg("build start request")
		releaseNew()
		m.deleteSession(ctx, conn.SessionID)
		return m.markFailed(ctx, env, TriggerCreate, err.Error(), false), MessageInternalError
	}

	persisted, err := m.update(ctx, env, func(e models.Environment) error {
		if e.State != models.StateCreated && e.State != models.StateQueued {
			return fmt.Errorf("%w: environment is %s", ErrUnsupportedState, e.State)
		}
		return nil
	}, func(e *models.Environment, c *Changes) error {
		bind(e, refs)
		e.Connection = conn
		if err := c.Transition(e, models.StateProvisioning, TriggerCreate, ""); err != nil {
			return err
		}
		e.StateTimeout = m.deadline()
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("persist provisioning")
		releaseNew()
		m.deleteSession(ctx, conn.SessionID)
		if errors.Is(err, ErrUnsupportedState) {
			return env, MessageEnvironmentStateInvalid
		}
		return m.markFailed(ctx, env, TriggerCreate, err.Error(), false), MessageInternalError
	}

	started, err := m.broker.Start(ctx, persisted.ID, broker.ActionStartCompute, requests)
	if err == nil && !started {
		err = errors.New("broker declined to start compute")
	}
	if err != nil {
		logger.Warn().Err(err).Msg("start compute")
		return m.abandon(ctx, persisted, err.Error()), MessageUnableToAllocateResources
	}
	return persisted, MessageNone
}

// abandon releases every binding of a provisioning environment and marks it
// Failed.
func (m *EnvironmentManager) abandon(ctx context.Context, env models.Environment, reason string) models.Environment {
	for _, ref := range []*models.ResourceRef{env.Compute, env.Storage, env.OSDisk} {
		if ref != nil {
			m.release(ctx, env.ID, ref.ResourceID)
		}
	}
	m.deleteSession(ctx, env.Connection.SessionID)
	failed, err := m.update(ctx, env, nil, func(e *models.Environment, c *Changes) error {
		e.Compute, e.Storage, e.OSDisk = nil, nil, nil
		e.Connection = models.Connection{}
		if e.State == models.StateFailed || e.State == models.StateDeleted {
			return nil
		}
		return c.Fail(e, TriggerAllocationFailed, reason, false)
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("mark abandoned environment failed")
		return env
	}
	return failed
}

func (m *EnvironmentManager) provisionStatic(ctx context.Context, env models.Environment, start StartParams) Result {
	conn, err := m.sessions.CreateSession(ctx, workspace.SessionRequest{
		EnvironmentType: env.Type,
		EnvironmentID:   env.ID,
		ServiceURI:      m.serviceURI(start),
		Identity:        start.Identity,
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("create static session")
		failed := m.markFailed(ctx, env, TriggerAllocationFailed, err.Error(), false)
		return failure(MessageUnableToAllocateResources, &failed)
	}
	persisted, err := m.update(ctx, env, nil, func(e *models.Environment, c *Changes) error {
		e.Connection = conn
		e.SKUName = m.opts.StaticSKUName
		if err := c.Transition(e, models.StateProvisioning, TriggerCreate, ""); err != nil {
			return err
		}
		e.StateTimeout = m.deadline()
		return nil
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("persist static environment")
		m.deleteSession(ctx, conn.SessionID)
		return failure(MessageInternalError, &env)
	}
	return success(http.StatusCreated, persisted)
}

// ProvisionCallback is called when the host reports in. Provisioning,
// Starting and Awaiting environments become Available; Available is a no-op.
func (m *EnvironmentManager) ProvisionCallback(ctx context.Context, environmentID string) (result Result) {
	ctx, span, logger := m.startSpan(ctx, "provision_callback", models.Environment{ID: environmentID})
	defer func() { endSpan(span, result) }()

	env, err := m.repo.GetEnvironment(ctx, environmentID)
	if errors.Is(err, db.ErrNotFound) {
		return failure(MessageEnvironmentNotFound, nil)
	}
	if err != nil {
		logger.Error().Err(err).Msg("load environment")
		return failure(MessageInternalError, nil)
	}
	if env.State == models.StateAvailable {
		return success(http.StatusOK, env)
	}
	updated, err := m.update(ctx, env, func(e models.Environment) error {
		switch e.State {
		case models.StateProvisioning, models.StateStarting, models.StateAwaiting, models.StateAvailable:
			return nil
		}
		return fmt.Errorf("%w: environment is %s", ErrUnsupportedState, e.State)
	}, func(e *models.Environment, c *Changes) error {
		if e.State == models.StateStarting {
			e.SetTransitionStatus(models.TrackerResuming, models.TransitionSucceeded, m.now())
		}
		e.LastUsed = m.now()
		return c.Transition(e, models.StateAvailable, TriggerProvision, "host connected")
	})
	if errors.Is(err, ErrUnsupportedState) {
		return failure(MessageEnvironmentStateInvalid, &env)
	}
	if err != nil {
		logger.Error().Err(err).Msg("persist provision callback")
		return failure(MessageInternalError, &env)
	}
	return success(http.StatusOK, updated)
}

// runCreate is the queued half of Create.
func (m *EnvironmentManager) runCreate(ctx context.Context, in continuation.Input) (continuation.Result, error) {
	env, err := m.repo.GetEnvironment(ctx, in.EnvironmentID)
	if err != nil {
		return continuation.Result{Status: continuation.StatusFailed, Message: err.Error()}, err
	}
	if env.State != models.StateQueued {
		return continuation.Result{Status: continuation.StatusCancelled, Message: "environment is " + string(env.State)}, nil
	}
	if _, code := m.provision(ctx, env, startParamsFrom(in.Params)); code != MessageNone {
		return continuation.Result{Status: continuation.StatusFailed, Message: string(code)}, nil
	}
	return continuation.Result{Status: continuation.StatusSuccess}, nil
}
