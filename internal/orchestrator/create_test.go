package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envfleet/envfleet/internal/broker"
	"github.com/envfleet/envfleet/internal/models"
	"github.com/envfleet/envfleet/internal/secrets"
	testutil "github.com/envfleet/envfleet/internal/testing"
)

func TestCreateProvisionsStandardEnvironment(t *testing.T) {
	h := newHarness(t, 32)
	start := StartParams{
		Identity:     models.Identity{UserID: testutil.TestOwnerID},
		SecretFilter: []string{"b", "a"},
		Variables:    map[string]string{"EDITOR": "vim"},
	}

	result := h.manager.Create(h.ctx, h.newEnv("demo", testutil.TestSKU), h.plan, h.sub, start)
	require.Equal(t, http.StatusCreated, result.StatusCode, result.MessageCode)
	env := *result.Environment

	assert.Equal(t, models.StateProvisioning, env.State)
	assert.Equal(t, TriggerCreate, env.LastStateUpdateTrigger)
	require.NotNil(t, env.Compute)
	require.NotNil(t, env.Storage)
	assert.Nil(t, env.OSDisk)
	assert.True(t, strings.HasPrefix(env.Compute.ResourceID, "vm-"))
	assert.True(t, strings.HasPrefix(env.Storage.ResourceID, "storage-"))
	assert.NotEmpty(t, env.Connection.SessionID)
	assert.Equal(t, env.Compute.ResourceID, env.Connection.ComputeID)
	require.NotNil(t, env.StateTimeout)
	assert.True(t, env.StateTimeout.After(env.LastStateUpdated))
	assert.Equal(t, []string{"None>Created", "Created>Provisioning"}, billingTransitions(h.billing.CallsFor(env.ID)))

	calls := h.broker.StartCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, broker.ActionStartCompute, calls[0].Action)
	require.Len(t, calls[0].Resources, 2)
	compute := calls[0].Resources[0]
	assert.Equal(t, env.Compute.ResourceID, compute.ResourceID)
	assert.Equal(t, "vim", compute.Variables["EDITOR"])

	opened, err := secrets.Open(compute.SealedSecrets, h.sealer.Identity())
	require.NoError(t, err)
	assert.Equal(t, env.ID, opened.EnvironmentID)
	assert.Len(t, opened.ConnectionToken, 43)
	assert.Equal(t, []string{"a", "b"}, opened.SecretFilter)

	stored := h.reload(env.ID)
	assert.Equal(t, models.StateProvisioning, stored.State)
	assert.Equal(t, env.Version, stored.Version)

	callback := h.manager.ProvisionCallback(h.ctx, env.ID)
	require.Equal(t, http.StatusOK, callback.StatusCode)
	assert.Equal(t, models.StateAvailable, callback.Environment.State)
	assert.Nil(t, callback.Environment.StateTimeout)

	again := h.manager.ProvisionCallback(h.ctx, env.ID)
	require.Equal(t, http.StatusOK, again.StatusCode)
	assert.Equal(t, callback.Environment.Version, again.Environment.Version)
}

func TestCreatePostsPairedStateEvents(t *testing.T) {
	h := newHarness(t, 32)
	env := h.create("demo", testutil.TestSKU)

	var started, ended []testutil.PostedEvent
	for _, ev := range h.events.Events() {
		if ev.Properties["environmentId"] != env.ID {
			continue
		}
		switch ev.Name {
		case EventStateStarted:
			started = append(started, ev)
		case EventStateEnded:
			ended = append(ended, ev)
		}
	}
	require.Len(t, started, 2)
	require.Len(t, ended, 2)
	for i := range started {
		assert.Equal(t, started[i].CorrelationID, ended[i].CorrelationID)
		assert.Equal(t, started[i].Timestamp, ended[i].Timestamp)
		assert.NotEmpty(t, started[i].CorrelationID)
	}
	assert.NotEqual(t, started[0].CorrelationID, started[1].CorrelationID)
	assert.Equal(t, "Provisioning", started[1].Properties["state"])
	assert.Equal(t, "Created", ended[1].Properties["state"])
}

func TestCreateWindowsAllocatesOSDisk(t *testing.T) {
	h := newHarness(t, 32)
	env := h.create("win", testutil.TestWindowsSKU)
	require.NotNil(t, env.OSDisk)
	assert.True(t, strings.HasPrefix(env.OSDisk.ResourceID, "disk-"))

	calls := h.broker.StartCalls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0].Resources, 3)
}

func TestCreateEnforcesQuota(t *testing.T) {
	h := newHarness(t, 8)
	h.create("first", testutil.TestSKU)
	allocations := len(h.broker.Allocations())

	denied := h.manager.Create(h.ctx, h.newEnv("big", testutil.TestLargeSKU), h.plan, h.sub, StartParams{})
	assert.Equal(t, http.StatusForbidden, denied.StatusCode)
	assert.Equal(t, MessageExceededQuota, denied.MessageCode)
	assert.Len(t, h.broker.Allocations(), allocations, "no allocation may happen after a quota rejection")
	_, err := h.store.GetEnvironment(h.ctx, "env-big")
	assert.Error(t, err)

	allowed := h.manager.Create(h.ctx, h.newEnv("second", testutil.TestSKU), h.plan, h.sub, StartParams{})
	assert.Equal(t, http.StatusCreated, allowed.StatusCode)

	var quotaEvents int
	for _, ev := range h.events.Events() {
		if ev.Name == EventQuotaExceeded {
			quotaEvents++
		}
	}
	assert.Equal(t, 1, quotaEvents)
}

func TestCreatePlanQuota(t *testing.T) {
	h := newHarness(t, 64)
	h.plan.MaxComputeCores = 4
	h.create("first", testutil.TestSKU)

	denied := h.manager.Create(h.ctx, h.newEnv("second", testutil.TestSKU), h.plan, h.sub, StartParams{})
	assert.Equal(t, MessageExceededQuota, denied.MessageCode)
}

func TestCreateNameCollision(t *testing.T) {
	h := newHarness(t, 32)
	h.create("demo", testutil.TestSKU)

	dup := h.newEnv("other", testutil.TestSKU)
	dup.FriendlyName = "DEMO "
	result := h.manager.Create(h.ctx, dup, h.plan, h.sub, StartParams{})
	assert.Equal(t, http.StatusConflict, result.StatusCode)
	assert.Equal(t, MessageEnvironmentNameAlreadyExists, result.MessageCode)

	otherPlan := testutil.NewTestPlan("plan-2")
	elsewhere := h.newEnv("elsewhere", testutil.TestSKU)
	elsewhere.FriendlyName = "demo"
	elsewhere.PlanID = otherPlan.ID
	result = h.manager.Create(h.ctx, elsewhere, otherPlan, h.sub, StartParams{})
	assert.Equal(t, http.StatusCreated, result.StatusCode)
}

func TestCreateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(env *models.Environment, plan *models.Plan, sub *models.Subscription)
		status int
		code   MessageCode
	}{
		{
			name:   "missing owner",
			mutate: func(env *models.Environment, _ *models.Plan, _ *models.Subscription) { env.OwnerID = "" },
			status: http.StatusBadRequest,
			code:   MessageInvalidRequest,
		},
		{
			name:   "unknown sku",
			mutate: func(env *models.Environment, _ *models.Plan, _ *models.Subscription) { env.SKUName = "tiny" },
			status: http.StatusBadRequest,
			code:   MessageInvalidSKU,
		},
		{
			name:   "sku not offered in location",
			mutate: func(env *models.Environment, _ *models.Plan, _ *models.Subscription) { env.Location = "Mars" },
			status: http.StatusBadRequest,
			code:   MessageSKUNotAvailableInLocation,
		},
		{
			name: "auto shutdown delay not allowed",
			mutate: func(env *models.Environment, _ *models.Plan, _ *models.Subscription) {
				env.AutoShutdownDelayMinutes = 7
			},
			status: http.StatusBadRequest,
			code:   MessageInvalidAutoShutdownDelay,
		},
		{
			name:   "plan mismatch",
			mutate: func(env *models.Environment, _ *models.Plan, _ *models.Subscription) { env.PlanID = "plan-9" },
			status: http.StatusBadRequest,
			code:   MessagePlanMismatch,
		},
		{
			name:   "banned subscription",
			mutate: func(_ *models.Environment, _ *models.Plan, sub *models.Subscription) { sub.Banned = true },
			status: http.StatusForbidden,
			code:   MessageSubscriptionIsBanned,
		},
		{
			name: "suspended subscription",
			mutate: func(_ *models.Environment, _ *models.Plan, sub *models.Subscription) {
				sub.State = models.SubscriptionSuspended
			},
			status: http.StatusForbidden,
			code:   MessageSubscriptionNotRegistered,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 32)
			env := h.newEnv("demo", testutil.TestSKU)
			plan, sub := h.plan, h.sub
			tt.mutate(&env, &plan, &sub)

			result := h.manager.Create(h.ctx, env, plan, sub, StartParams{})
			assert.Equal(t, tt.status, result.StatusCode)
			assert.Equal(t, tt.code, result.MessageCode)
			assert.Empty(t, h.broker.Allocations())
			assert.Empty(t, h.billing.Calls())
		})
	}
}

func TestCreateAllocationFailureReleasesPartialResources(t *testing.T) {
	h := newHarness(t, 32)
	h.broker.FailAllocate(models.ResourceStorage, errors.New("storage exhausted"))

	result := h.manager.Create(h.ctx, h.newEnv("demo", testutil.TestSKU), h.plan, h.sub, StartParams{})
	assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
	assert.Equal(t, MessageUnableToAllocateResources, result.MessageCode)

	stored := h.reload("env-demo")
	assert.Equal(t, models.StateFailed, stored.State)
	assert.Nil(t, stored.Compute)

	deleted := h.broker.DeleteCalls()
	require.Len(t, deleted, 1)
	assert.True(t, strings.HasPrefix(deleted[0], "vm-"))
	assert.False(t, h.broker.Exists(deleted[0]))
	assert.Empty(t, h.broker.StartCalls())
}

// lateComputeBroker delays compute allocation until storage allocation has
// failed, and gives up if its context is cancelled in the meantime.
type lateComputeBroker struct {
	*broker.Memory
	storageDone chan struct{}
	once        sync.Once
}

func newLateComputeBroker(m *broker.Memory) *lateComputeBroker {
	return &lateComputeBroker{Memory: m, storageDone: make(chan struct{})}
}

func (b *lateComputeBroker) Allocate(ctx context.Context, req broker.AllocateRequest) (models.ResourceRef, error) {
	if req.Kind != models.ResourceComputeVM {
		defer b.once.Do(func() { close(b.storageDone) })
		return b.Memory.Allocate(ctx, req)
	}
	select {
	case <-b.storageDone:
	case <-time.After(time.Second):
	}
	select {
	case <-ctx.Done():
		return models.ResourceRef{}, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	return b.Memory.Allocate(ctx, req)
}

func TestCreateAllocationFailureLetsSiblingsFinish(t *testing.T) {
	h := newHarness(t, 32, func(d *Deps) {
		d.Broker = newLateComputeBroker(d.Broker.(*broker.Memory))
	})
	h.broker.FailAllocate(models.ResourceStorage, errors.New("storage exhausted"))

	result := h.manager.Create(h.ctx, h.newEnv("demo", testutil.TestSKU), h.plan, h.sub, StartParams{})
	assert.Equal(t, MessageUnableToAllocateResources, result.MessageCode)

	var kinds []models.ResourceKind
	for _, req := range h.broker.Allocations() {
		kinds = append(kinds, req.Kind)
	}
	assert.ElementsMatch(t, []models.ResourceKind{models.ResourceComputeVM, models.ResourceStorage}, kinds)

	deleted := h.broker.DeleteCalls()
	require.Len(t, deleted, 1)
	assert.True(t, strings.HasPrefix(deleted[0], "vm-"))
	assert.False(t, h.broker.Exists(deleted[0]))
}

// partialBroker creates the storage resource but still reports failure.
type partialBroker struct {
	*broker.Memory
}

func (b partialBroker) Allocate(ctx context.Context, req broker.AllocateRequest) (models.ResourceRef, error) {
	ref, err := b.Memory.Allocate(ctx, req)
	if err == nil && req.Kind == models.ResourceStorage {
		return ref, errors.New("allocation timed out after create")
	}
	return ref, err
}

func TestCreateReleasesResourceReturnedWithError(t *testing.T) {
	h := newHarness(t, 32, func(d *Deps) {
		d.Broker = partialBroker{Memory: d.Broker.(*broker.Memory)}
	})

	result := h.manager.Create(h.ctx, h.newEnv("demo", testutil.TestSKU), h.plan, h.sub, StartParams{})
	assert.Equal(t, MessageUnableToAllocateResources, result.MessageCode)

	deleted := h.broker.DeleteCalls()
	require.Len(t, deleted, 2)
	for _, id := range deleted {
		assert.False(t, h.broker.Exists(id))
	}
}

func TestCreateStartFailureAbandonsEnvironment(t *testing.T) {
	h := newHarness(t, 32)
	h.broker.FailStart(errors.New("host unreachable"))

	result := h.manager.Create(h.ctx, h.newEnv("demo", testutil.TestSKU), h.plan, h.sub, StartParams{})
	assert.Equal(t, MessageUnableToAllocateResources, result.MessageCode)

	stored := h.reload("env-demo")
	assert.Equal(t, models.StateFailed, stored.State)
	assert.Nil(t, stored.Compute)
	assert.Nil(t, stored.Storage)
	assert.True(t, stored.Connection.IsZero())
	assert.Len(t, h.broker.DeleteCalls(), 2)
	for _, id := range h.broker.DeleteCalls() {
		assert.False(t, h.broker.Exists(id))
	}
	assert.Len(t, h.sessions.DeleteCalls(), 1)
	assert.Equal(t,
		[]string{"None>Created", "Created>Provisioning", "Provisioning>Failed"},
		billingTransitions(h.billing.CallsFor(stored.ID)))
}

func TestCreateQueuedAllocation(t *testing.T) {
	h := newHarness(t, 32)

	result := h.manager.Create(h.ctx, h.newEnv("demo", testutil.TestSKU), h.plan, h.sub, StartParams{
		QueueResourceAllocation: true,
		Variables:               map[string]string{"EDITOR": "vim"},
	})
	require.Equal(t, http.StatusAccepted, result.StatusCode)
	assert.Equal(t, models.StateQueued, result.Environment.State)
	assert.Empty(t, h.broker.Allocations())
	require.Len(t, h.continuations("env-demo"), 1)

	assert.Equal(t, 1, h.drain())
	stored := h.reload("env-demo")
	assert.Equal(t, models.StateProvisioning, stored.State)
	require.NotNil(t, stored.Compute)
	calls := h.broker.StartCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "vim", calls[0].Resources[0].Variables["EDITOR"])
	assert.Equal(t, models.ContinuationSucceeded, h.continuations("env-demo")[0].Status)
}

func TestCreateSubnetEnvironmentIsQueued(t *testing.T) {
	h := newHarness(t, 32)
	env := h.newEnv("demo", testutil.TestSKU)
	env.SubnetResourceID = "subnet-1"

	result := h.manager.Create(h.ctx, env, h.plan, h.sub, StartParams{})
	require.Equal(t, http.StatusAccepted, result.StatusCode)
	h.drain()

	allocations := h.broker.Allocations()
	require.NotEmpty(t, allocations)
	for _, req := range allocations {
		if req.Kind == models.ResourceComputeVM {
			assert.Equal(t, "subnet-1", req.ExtendedProperties[broker.PropertySubnetResourceID])
		}
	}
}

func TestCreateStaticEnvironment(t *testing.T) {
	h := newHarness(t, 0)
	env := h.newEnv("static", "")
	env.Type = models.EnvironmentStatic

	result := h.manager.Create(h.ctx, env, h.plan, h.sub, StartParams{})
	require.Equal(t, http.StatusCreated, result.StatusCode, result.MessageCode)
	created := *result.Environment
	assert.Equal(t, models.StateProvisioning, created.State)
	assert.Equal(t, "static", created.SKUName)
	assert.Nil(t, created.Compute)
	assert.Nil(t, created.Storage)
	assert.NotEmpty(t, created.Connection.SessionID)
	assert.Empty(t, h.broker.Allocations())
}

func TestProvisionCallbackRejections(t *testing.T) {
	h := newHarness(t, 32)
	missing := h.manager.ProvisionCallback(h.ctx, "env-missing")
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	env := h.shutdown("demo", testutil.TestSKU)
	result := h.manager.ProvisionCallback(h.ctx, env.ID)
	assert.Equal(t, MessageEnvironmentStateInvalid, result.MessageCode)
	assert.Equal(t, models.StateShutdown, h.reload(env.ID).State)
}

func TestStartParamsRoundTripThroughInput(t *testing.T) {
	p := StartParams{
		Identity:     models.Identity{UserID: "alice", Scopes: []string{"ignored"}},
		ServiceURI:   "https://svc",
		SecretFilter: []string{"one", "two"},
		Variables:    map[string]string{"A": "1"},
	}
	got := startParamsFrom(p.params())
	assert.Equal(t, "alice", got.Identity.UserID)
	assert.Nil(t, got.Identity.Scopes)
	assert.Equal(t, p.ServiceURI, got.ServiceURI)
	assert.Equal(t, p.SecretFilter, got.SecretFilter)
	assert.Equal(t, p.Variables, got.Variables)
}
