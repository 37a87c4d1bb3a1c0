// Package orchestrator drives environments through their lifecycle.
//
// EnvironmentManager is the entry point. Every public operation validates
// against the environment's current state, allocates or releases broker
// resources, records the state change through the Recorder and persists
// the result under optimistic concurrency. Long-running steps run as
// continuation workflows, either inline or on the durable queue.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/envfleet/envfleet/internal/broker"
	"github.com/envfleet/envfleet/internal/config"
	"github.com/envfleet/envfleet/internal/continuation"
	"github.com/envfleet/envfleet/internal/db"
	"github.com/envfleet/envfleet/internal/guard"
	"github.com/envfleet/envfleet/internal/models"
	"github.com/envfleet/envfleet/internal/secrets"
	"github.com/envfleet/envfleet/internal/tracing"
	"github.com/envfleet/envfleet/internal/workspace"
)

const (
	defaultProvisioningTimeout = time.Hour
	defaultConflictRetries     = 5
)

// Options tunes an EnvironmentManager.
type Options struct {
	// ProvisioningTimeout bounds Provisioning, Starting and ShuttingDown.
	ProvisioningTimeout time.Duration
	// ConflictRetryAttempts bounds optimistic concurrency retries.
	ConflictRetryAttempts int
	// StaticSKUName is stamped on Static environments.
	StaticSKUName string
	// SessionServiceURI is used when a start does not name one.
	SessionServiceURI string
	// Flags is read on every call so flag reloads apply without restart.
	Flags func() config.FeatureFlags
	Now   func() time.Time
}

// Deps are the collaborators an EnvironmentManager needs. Billing and
// Metrics may be nil.
type Deps struct {
	Repo     Repository
	Broker   broker.Client
	Sessions workspace.Provider
	Billing  BillingSink
	Metrics  MetricsSink
	Catalog  *guard.Catalog
	Sealer   *secrets.Sealer
	Queue    continuation.Enqueuer
	Logger   zerolog.Logger
}

// EnvironmentManager owns environment lifecycle operations.
type EnvironmentManager struct {
	repo       Repository
	broker     broker.Client
	sessions   workspace.Provider
	metrics    MetricsSink
	catalog    *guard.Catalog
	sealer     *secrets.Sealer
	recorder   *Recorder
	registry   *continuation.Registry
	dispatcher *continuation.Dispatcher
	repairs    map[RepairAction]RepairWorkflow
	validate   *validator.Validate
	logger     zerolog.Logger
	opts       Options
}

// NewEnvironmentManager wires the manager, its workflow registry and its
// continuation dispatcher.
func NewEnvironmentManager(deps Deps, opts Options) (*EnvironmentManager, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("environment repository is required")
	case deps.Broker == nil:
		return nil, errors.New("resource broker is required")
	case deps.Sessions == nil:
		return nil, errors.New("session provider is required")
	case deps.Catalog == nil:
		return nil, errors.New("sku catalog is required")
	case deps.Sealer == nil:
		return nil, errors.New("secret sealer is required")
	case deps.Queue == nil:
		return nil, errors.New("continuation queue is required")
	}
	if opts.ProvisioningTimeout <= 0 {
		opts.ProvisioningTimeout = defaultProvisioningTimeout
	}
	if opts.ConflictRetryAttempts <= 0 {
		opts.ConflictRetryAttempts = defaultConflictRetries
	}
	if opts.StaticSKUName == "" {
		opts.StaticSKUName = "static"
	}
	if opts.Flags == nil {
		opts.Flags = func() config.FeatureFlags { return config.FeatureFlags{} }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := deps.Logger.With().Str("component", "orchestrator").Logger()

	m := &EnvironmentManager{
		repo:     deps.Repo,
		broker:   deps.Broker,
		sessions: deps.Sessions,
		metrics:  deps.Metrics,
		catalog:  deps.Catalog,
		sealer:   deps.Sealer,
		recorder: NewRecorder(deps.Billing, deps.Metrics, logger, opts.Now),
		validate: validator.New(),
		logger:   logger,
		opts:     opts,
	}
	m.registry = continuation.NewRegistry(m.isFresh)
	m.registerWorkflows()
	observer, _ := deps.Metrics.(continuation.Observer)
	m.dispatcher = continuation.NewDispatcher(
		continuation.Inline{Registry: m.registry},
		continuation.Queued{Store: deps.Queue},
		func(workflow string) bool { return m.opts.Flags().QueueWorkflow(workflow) },
		observer,
	)
	m.repairs = defaultRepairs(m)
	return m, nil
}

// Registry exposes the workflow registry for queue workers.
func (m *EnvironmentManager) Registry() *continuation.Registry {
	return m.registry
}

// Recorder exposes the transition recorder.
func (m *EnvironmentManager) Recorder() *Recorder {
	return m.recorder
}

func (m *EnvironmentManager) now() time.Time {
	return m.opts.Now().UTC()
}

// isFresh rejects continuations whose environment has changed state since
// dispatch. A deleted environment is never fresh.
func (m *EnvironmentManager) isFresh(ctx context.Context, in continuation.Input) (bool, error) {
	env, err := m.repo.GetEnvironment(ctx, in.EnvironmentID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return env.LastStateUpdated.Equal(in.LastStateUpdated), nil
}

func isConflict(err error) bool {
	return errors.Is(err, db.ErrConflict)
}

// update writes env after mutate, re-fetching and reapplying on conflict.
// Transitions staged through Changes are emitted once the write lands.
func (m *EnvironmentManager) update(ctx context.Context, env models.Environment, precondition func(models.Environment) error, mutate func(env *models.Environment, changes *Changes) error) (models.Environment, error) {
	var changes *Changes
	retrier := Retrier[models.Environment]{
		Attempts: m.opts.ConflictRetryAttempts,
		Fetch: func(ctx context.Context) (models.Environment, error) {
			return m.repo.GetEnvironment(ctx, env.ID)
		},
		Write:      m.repo.UpdateEnvironment,
		IsConflict: isConflict,
	}
	out, err := retrier.Do(ctx, env.Clone(), precondition, func(e *models.Environment) error {
		changes = m.recorder.begin()
		return mutate(e, changes)
	})
	if err != nil {
		return out, err
	}
	changes.commit(ctx)
	return out, nil
}

// markFailed moves env to Failed, releasing nothing.
func (m *EnvironmentManager) markFailed(ctx context.Context, env models.Environment, trigger, reason string, isUserError bool) models.Environment {
	failed, err := m.update(ctx, env, nil, func(e *models.Environment, c *Changes) error {
		if e.State == models.StateFailed || e.State == models.StateDeleted {
			return nil
		}
		return c.Fail(e, trigger, reason, isUserError)
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("environment_id", env.ID).Msg("mark environment failed")
		return env
	}
	return failed
}

func (m *EnvironmentManager) startSpan(ctx context.Context, op string, env models.Environment) (context.Context, trace.Span, zerolog.Logger) {
	ctx, span := tracing.Tracer().Start(ctx, "environment."+op, trace.WithAttributes(
		attribute.String("environment.id", env.ID),
		attribute.String("environment.state", string(env.State)),
	))
	logger := m.logger.With().Str("op", op).Str("environment_id", env.ID).Logger()
	return logger.WithContext(ctx), span, logger
}

func endSpan(span trace.Span, result Result) {
	span.SetAttributes(
		attribute.Int("result.status", result.StatusCode),
		attribute.String("result.message", string(result.MessageCode)),
	)
	tracing.Finish(span, resultError(result))
}

// nameTaken reports whether another live environment in planID uses name.
func (m *EnvironmentManager) nameTaken(ctx context.Context, planID, name, exceptID string) (bool, error) {
	key := models.NameKey(name)
	matches, err := m.repo.QueryEnvironments(ctx, models.EnvironmentFilter{PlanID: planID}, func(e models.Environment) bool {
		return e.ID != exceptID && e.NameKey() == key
	})
	if err != nil {
		return false, err
	}
	return len(matches) > 0, nil
}

// checkQuota evaluates skuName against the subscription and, when plan is
// set, the plan's own cap. env itself is never counted.
func (m *EnvironmentManager) checkQuota(ctx context.Context, env models.Environment, plan *models.Plan, sub models.Subscription, skuName string) (MessageCode, error) {
	others := func(e models.Environment) bool { return e.ID != env.ID }
	subEnvs, err := m.repo.QueryEnvironments(ctx, models.EnvironmentFilter{SubscriptionID: sub.ID}, others)
	if err != nil {
		return MessageInternalError, err
	}
	decision, err := m.catalog.CheckSubscriptionQuota(subEnvs, sub, skuName)
	if errors.Is(err, guard.ErrUnknownSKU) {
		return MessageInvalidSKU, nil
	}
	if err != nil {
		return MessageInternalError, err
	}
	if !decision.Allowed() {
		m.postQuotaExceeded(ctx, env, decision)
		return MessageExceededQuota, nil
	}
	if plan == nil {
		return MessageNone, nil
	}
	planEnvs, err := m.repo.QueryEnvironments(ctx, models.EnvironmentFilter{PlanID: plan.ID}, others)
	if err != nil {
		return MessageInternalError, err
	}
	decision, err = m.catalog.CheckPlanQuota(planEnvs, *plan, skuName)
	if err != nil {
		return MessageInternalError, err
	}
	if !decision.Allowed() {
		m.postQuotaExceeded(ctx, env, decision)
		return MessageExceededQuota, nil
	}
	return MessageNone, nil
}

func (m *EnvironmentManager) postQuotaExceeded(ctx context.Context, env models.Environment, decision guard.QuotaDecision) {
	zerolog.Ctx(ctx).Info().Err(decision.Err()).Msg("quota exceeded")
	if m.metrics == nil {
		return
	}
	m.metrics.PostEvent(ctx, EventNamespace, EventQuotaExceeded, map[string]string{
		"environmentId": env.ID,
		"planId":        env.PlanID,
		"family":        decision.Family,
		"used":          fmt.Sprint(decision.Used),
		"requested":     fmt.Sprint(decision.Requested),
		"max":           fmt.Sprint(decision.Max),
	}, "", m.now())
}

// allocate requests every resource in parallel. Every request runs to
// completion so that, when any fails, the ones that produced a resource can
// be released before returning.
func (m *EnvironmentManager) allocate(ctx context.Context, envID string, reqs []broker.AllocateRequest) ([]models.ResourceRef, error) {
	refs := make([]models.ResourceRef, len(reqs))
	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			ref, err := m.broker.Allocate(ctx, req)
			refs[i] = ref
			if err != nil {
				return fmt.Errorf("allocate %s: %w", req.Kind, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, ref := range refs {
			m.release(ctx, envID, ref.ResourceID)
		}
		if m.metrics != nil {
			m.metrics.PostEvent(ctx, EventNamespace, EventAllocationFailed, map[string]string{
				"environmentId": envID,
				"error":         err.Error(),
			}, "", m.now())
		}
		return nil, err
	}
	return refs, nil
}

// release deletes a broker resource, logging failures. Unknown ids are
// treated as already released.
func (m *EnvironmentManager) release(ctx context.Context, envID, resourceID string) {
	if resourceID == "" {
		return
	}
	err := m.broker.Delete(ctx, envID, resourceID)
	if err == nil || errors.Is(err, broker.ErrResourceNotFound) {
		return
	}
	zerolog.Ctx(ctx).Warn().Err(err).Str("resource_id", resourceID).Msg("release resource")
}

func (m *EnvironmentManager) deleteSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	err := m.sessions.DeleteSession(ctx, sessionID)
	if err == nil || errors.Is(err, workspace.ErrSessionNotFound) {
		return
	}
	zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", sessionID).Msg("delete session")
}

func computeRequest(env models.Environment, sku models.SKU) broker.AllocateRequest {
	props := map[string]string{broker.PropertyOSType: string(sku.OS)}
	if env.SubnetResourceID != "" {
		props[broker.PropertySubnetResourceID] = env.SubnetResourceID
	}
	return broker.AllocateRequest{
		EnvironmentID:      env.ID,
		Kind:               models.ResourceComputeVM,
		SKUName:            sku.Name,
		Location:           env.Location,
		ExtendedProperties: props,
	}
}

func storageRequest(env models.Environment, sku models.SKU) broker.AllocateRequest {
	return broker.AllocateRequest{
		EnvironmentID:      env.ID,
		Kind:               models.ResourceStorage,
		SKUName:            sku.Name,
		Location:           env.Location,
		ExtendedProperties: map[string]string{broker.PropertyStorageSizeBytes: fmt.Sprint(sku.StorageSizeBytes)},
	}
}

func diskRequest(env models.Environment, sku models.SKU) broker.AllocateRequest {
	return broker.AllocateRequest{
		EnvironmentID:      env.ID,
		Kind:               models.ResourceOSDisk,
		SKUName:            sku.Name,
		Location:           env.Location,
		ExtendedProperties: map[string]string{broker.PropertyOSType: string(sku.OS)},
	}
}

// bind stores allocated refs on env by kind.
func bind(env *models.Environment, refs []models.ResourceRef) {
	for _, ref := range refs {
		switch ref.Kind {
		case models.ResourceComputeVM:
			env.Compute = &ref
		case models.ResourceOSDisk:
			env.OSDisk = &ref
		case models.ResourceStorage, models.ResourceStorageArchive:
			env.Storage = &ref
		}
	}
}

// StartParams carries per-start inputs that are not part of the environment.
type StartParams struct {
	Identity     models.Identity
	ServiceURI   string
	SecretFilter []string
	Variables    map[string]string
	// QueueResourceAllocation sends allocation to the durable queue.
	QueueResourceAllocation bool
}

const (
	paramUserID       = "userId"
	paramServiceURI   = "serviceUri"
	paramSecretFilter = "secretFilter"
	paramVariable     = "var:"
)

// params flattens the parts of p a queued workflow needs. Scopes are not
// carried: queued work runs with the identity's user id only.
func (p StartParams) params() map[string]string {
	out := map[string]string{}
	if p.Identity.UserID != "" {
		out[paramUserID] = p.Identity.UserID
	}
	if p.ServiceURI != "" {
		out[paramServiceURI] = p.ServiceURI
	}
	if len(p.SecretFilter) > 0 {
		out[paramSecretFilter] = strings.Join(p.SecretFilter, "\n")
	}
	for k, v := range p.Variables {
		out[paramVariable+k] = v
	}
	return out
}

func startParamsFrom(params map[string]string) StartParams {
	p := StartParams{
		Identity:   models.Identity{UserID: params[paramUserID]},
		ServiceURI: params[paramServiceURI],
	}
	if raw := params[paramSecretFilter]; raw != "" {
		p.SecretFilter = strings.Split(raw, "\n")
	}
	for k, v := range params {
		if name, ok := strings.CutPrefix(k, paramVariable); ok {
			if p.Variables == nil {
				p.Variables = map[string]string{}
			}
			p.Variables[name] = v
		}
	}
	return p
}

func (m *EnvironmentManager) serviceURI(start StartParams) string {
	if start.ServiceURI != "" {
		return start.ServiceURI
	}
	return m.opts.SessionServiceURI
}

// startRequests builds the broker start payload. Compute carries the sealed
// connection token and secret filter; storageID picks which storage the
// compute mounts.
func (m *EnvironmentManager) startRequests(env models.Environment, start StartParams, storageID string) ([]broker.ResourceStartRequest, error) {
	if env.Compute == nil {
		return nil, fmt.Errorf("%w: no compute bound", ErrUnsupportedState)
	}
	token, err := secrets.NewConnectionToken()
	if err != nil {
		return nil, err
	}
	filter := append([]string(nil), start.SecretFilter...)
	sort.Strings(filter)
	sealed, err := m.sealer.Seal(secrets.StartSecrets{
		EnvironmentID:   env.ID,
		ConnectionToken: token,
		SecretFilter:    filter,
		Variables:       start.Variables,
	})
	if err != nil {
		return nil, fmt.Errorf("seal start secrets: %w", err)
	}
	reqs := []broker.ResourceStartRequest{{
		ResourceID:    env.Compute.ResourceID,
		Kind:          models.ResourceComputeVM,
		Variables:     start.Variables,
		SealedSecrets: sealed,
	}}
	if storageID != "" {
		reqs = append(reqs, broker.ResourceStartRequest{ResourceID: storageID, Kind: models.ResourceStorage})
	}
	if env.OSDisk != nil {
		reqs = append(reqs, broker.ResourceStartRequest{ResourceID: env.OSDisk.ResourceID, Kind: models.ResourceOSDisk})
	}
	return reqs, nil
}

func (m *EnvironmentManager) inputFor(env models.Environment, params map[string]string) continuation.Input {
	return continuation.Input{
		EnvironmentID:    env.ID,
		LastStateUpdated: env.LastStateUpdated,
		Params:           params,
	}
}

func (m *EnvironmentManager) deadline() *time.Time {
	at := m.now().Add(m.opts.ProvisioningTimeout)
	return &at
}
