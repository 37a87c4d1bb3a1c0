package orchestrator

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/envfleet/envfleet/internal/broker"
	"github.com/envfleet/envfleet/internal/config"
	"github.com/envfleet/envfleet/internal/continuation"
	"github.com/envfleet/envfleet/internal/db"
	"github.com/envfleet/envfleet/internal/guard"
	"github.com/envfleet/envfleet/internal/models"
	"github.com/envfleet/envfleet/internal/secrets"
	testutil "github.com/envfleet/envfleet/internal/testing"
	"github.com/envfleet/envfleet/internal/workspace"
)

// fakeClock ticks one millisecond on every read so consecutive
// transitions never share a timestamp.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *db.Store
	broker   *broker.Memory
	sessions *workspace.Registry
	billing  *testutil.MockBillingSink
	events   *testutil.MockMetricsSink
	sealer   *secrets.Sealer
	clock    *fakeClock
	manager  *EnvironmentManager
	plan     models.Plan
	sub      models.Subscription

	flagsMu sync.Mutex
	flags   config.FeatureFlags
}

func newHarness(t *testing.T, maxCores int, customize ...func(*Deps)) *harness {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "envfleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	sealer, err := secrets.NewEphemeralSealer()
	require.NoError(t, err)

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		broker:   broker.NewMemory(),
		sessions: workspace.NewRegistry("https://sessions.test"),
		billing:  testutil.NewMockBillingSink(),
		events:   testutil.NewMockMetricsSink(),
		sealer:   sealer,
		clock:    &fakeClock{now: testutil.FixedTime},
		plan:     testutil.NewTestPlan(testutil.TestPlanID),
		sub:      testutil.NewTestSubscription(maxCores),
	}
	deps := Deps{
		Repo:     store,
		Broker:   h.broker,
		Sessions: h.sessions,
		Billing:  h.billing,
		Metrics:  h.events,
		Catalog:  guard.NewCatalog(testutil.TestSKUs()),
		Sealer:   sealer,
		Queue:    store,
		Logger:   zerolog.Nop(),
	}
	for _, fn := range customize {
		fn(&deps)
	}
	h.manager, err = NewEnvironmentManager(deps, Options{
		ProvisioningTimeout: time.Hour,
		Flags:               h.currentFlags,
		Now:                 h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) currentFlags() config.FeatureFlags {
	h.flagsMu.Lock()
	defer h.flagsMu.Unlock()
	return h.flags
}

func (h *harness) setFlags(flags config.FeatureFlags) {
	h.flagsMu.Lock()
	defer h.flagsMu.Unlock()
	h.flags = flags
}

func (h *harness) newEnv(name, sku string) models.Environment {
	return testutil.NewTestEnvironment(testutil.EnvironmentOpts{
		ID:           "env-" + name,
		FriendlyName: name,
		SKUName:      sku,
	})
}

// create provisions an environment and returns it in Provisioning.
func (h *harness) create(name, sku string) models.Environment {
	h.t.Helper()
	result := h.manager.Create(h.ctx, h.newEnv(name, sku), h.plan, h.sub, StartParams{})
	require.Equal(h.t, http.StatusCreated, result.StatusCode, "create %s: %s", name, result.MessageCode)
	require.NotNil(h.t, result.Environment)
	return *result.Environment
}

// available creates an environment and reports its host connected.
func (h *harness) available(name, sku string) models.Environment {
	h.t.Helper()
	env := h.create(name, sku)
	result := h.manager.ProvisionCallback(h.ctx, env.ID)
	require.Equal(h.t, http.StatusOK, result.StatusCode, "provision callback %s: %s", name, result.MessageCode)
	require.Equal(h.t, models.StateAvailable, result.Environment.State)
	return *result.Environment
}

// shutdown brings an environment all the way to Shutdown.
func (h *harness) shutdown(name, sku string) models.Environment {
	h.t.Helper()
	env := h.available(name, sku)
	result := h.manager.Suspend(h.ctx, env)
	require.Equal(h.t, http.StatusOK, result.StatusCode, "suspend %s: %s", name, result.MessageCode)
	result = h.manager.SuspendCallback(h.ctx, env.ID)
	require.Equal(h.t, http.StatusOK, result.StatusCode, "suspend callback %s: %s", name, result.MessageCode)
	require.Equal(h.t, models.StateShutdown, result.Environment.State)
	return *result.Environment
}

func (h *harness) reload(id string) models.Environment {
	h.t.Helper()
	env, err := h.store.GetEnvironment(h.ctx, id)
	require.NoError(h.t, err)
	return env
}

func (h *harness) worker() *continuation.Worker {
	h.t.Helper()
	w, err := continuation.NewWorker(h.store, h.manager.Registry(), continuation.WorkerOptions{MaxAttempts: 1}, nil, zerolog.Nop())
	require.NoError(h.t, err)
	return w
}

// drain runs queued continuations until none are ready.
func (h *harness) drain() int {
	h.t.Helper()
	w := h.worker()
	ran := 0
	for {
		ok, err := w.ProcessOne(h.ctx)
		require.NoError(h.t, err)
		if !ok {
			return ran
		}
		ran++
	}
}

func (h *harness) continuations(envID string) []models.Continuation {
	h.t.Helper()
	jobs, err := h.store.ListContinuationsByEnvironment(h.ctx, envID)
	require.NoError(h.t, err)
	return jobs
}

func billingTransitions(calls []testutil.BillingCall) []string {
	out := make([]string, 0, len(calls))
	for _, call := range calls {
		out = append(out, call.OldState+">"+call.NewState)
	}
	return out
}
