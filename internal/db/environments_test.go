package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envfleet/envfleet/internal/models"
)

func newEnvironment(id, plan, name string) models.Environment {
	return models.Environment{
		ID:             id,
		FriendlyName:   name,
		PlanID:         plan,
		SubscriptionID: "sub-1",
		OwnerID:        "user-1",
		Type:           models.EnvironmentStandard,
		State:          models.StateCreated,
		SKUName:        "standardLinux",
		Location:       "WestUs2",
	}
}

func TestCreateEnvironment(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		store := openTestStore(t)
		created, err := store.CreateEnvironment(ctx, newEnvironment("env-1", "plan-1", "demo"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), created.Version)
		assert.False(t, created.Created.IsZero())

		got, err := store.GetEnvironment(ctx, "env-1")
		require.NoError(t, err)
		assert.Equal(t, "demo", got.FriendlyName)
		assert.Equal(t, models.StateCreated, got.State)
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("nil store", func(t *testing.T) {
		_, err := (*Store)(nil).CreateEnvironment(ctx, newEnvironment("env-1", "plan-1", "demo"))
		assert.EqualError(t, err, "db store is nil")
	})

	t.Run("missing id", func(t *testing.T) {
		store := openTestStore(t)
		_, err := store.CreateEnvironment(ctx, newEnvironment("", "plan-1", "demo"))
		assert.EqualError(t, err, "environment id is required")
	})

	t.Run("duplicate id", func(t *testing.T) {
		store := openTestStore(t)
		_, err := store.CreateEnvironment(ctx, newEnvironment("env-1", "plan-1", "demo"))
		require.NoError(t, err)
		_, err = store.CreateEnvironment(ctx, newEnvironment("env-1", "plan-1", "other"))
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("name collision is case-insensitive within a plan", func(t *testing.T) {
		store := openTestStore(t)
		_, err := store.CreateEnvironment(ctx, newEnvironment("env-1", "plan-1", "demo"))
		require.NoError(t, err)
		_, err = store.CreateEnvironment(ctx, newEnvironment("env-2", "plan-1", "DEMO"))
		assert.ErrorIs(t, err, ErrDuplicateName)

		_, err = store.CreateEnvironment(ctx, newEnvironment("env-3", "plan-2", "demo"))
		assert.NoError(t, err)
	})

	t.Run("deleted environments free their name", func(t *testing.T) {
		store := openTestStore(t)
		env, err := store.CreateEnvironment(ctx, newEnvironment("env-1", "plan-1", "demo"))
		require.NoError(t, err)
		env.State = models.StateDeleted
		_, err = store.UpdateEnvironment(ctx, env)
		require.NoError(t, err)

		_, err = store.CreateEnvironment(ctx, newEnvironment("env-2", "plan-1", "demo"))
		assert.NoError(t, err)
	})
}

func TestGetEnvironmentNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetEnvironment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateEnvironment(t *testing.T) {
	ctx := context.Background()

	t.Run("bumps version and persists document", func(t *testing.T) {
		store := openTestStore(t)
		env, err := store.CreateEnvironment(ctx, newEnvironment("env-1", "plan-1", "demo"))
		require.NoError(t, err)

		env.State = models.StateProvisioning
		env.Compute = &models.ResourceRef{ResourceID: "vm-1", Kind: models.ResourceComputeVM}
		updated, err := store.UpdateEnvironment(ctx, env)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)

		got, err := store.GetEnvironment(ctx, "env-1")
		require.NoError(t, err)
		assert.Equal(t, models.StateProvisioning, got.State)
		require.NotNil(t, got.Compute)
		assert.Equal(t, "vm-1", got.Compute.ResourceID)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("stale copy is rejected", func(t *testing.T) {
		store := openTestStore(t)
		env, err := store.CreateEnvironment(ctx, newEnvironment("env-1", "plan-1", "demo"))
		require.NoError(t, err)

		first := env.Clone()
		first.AutoShutdownDelayMinutes = 30
		_, err = store.UpdateEnvironment(ctx, first)
		require.NoError(t, err)

		stale := env.Clone()
		stale.AutoShutdownDelayMinutes = 60
		_, err = store.UpdateEnvironment(ctx, stale)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := store.GetEnvironment(ctx, "env-1")
		require.NoError(t, err)
		assert.Equal(t, 30, got.AutoShutdownDelayMinutes)
	})

	t.Run("missing row", func(t *testing.T) {
		store := openTestStore(t)
		env := newEnvironment("env-1", "plan-1", "demo")
		env.Version = 1
		_, err := store.UpdateEnvironment(ctx, env)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("moved is never persisted", func(t *testing.T) {
		store := openTestStore(t)
		env, err := store.CreateEnvironment(ctx, newEnvironment("env-1", "plan-1", "demo"))
		require.NoError(t, err)
		env.State = models.StateMoved
		_, err = store.UpdateEnvironment(ctx, env)
		assert.Error(t, err)
	})

	t.Run("concurrent writers from the same version", func(t *testing.T) {
		store := openTestStore(t)
		env, err := store.CreateEnvironment(ctx, newEnvironment("env-1", "plan-1", "demo"))
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]error, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				mine := env.Clone()
				mine.AutoShutdownDelayMinutes = i
				_, results[i] = store.UpdateEnvironment(ctx, mine)
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range results {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrConflict)
		}
		assert.Equal(t, 1, succeeded)
	})
}

func TestDeleteEnvironment(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.CreateEnvironment(ctx, newEnvironment("env-1", "plan-1", "demo"))
	require.NoError(t, err)

	require.NoError(t, store.DeleteEnvironment(ctx, "env-1"))
	_, err = store.GetEnvironment(ctx, "env-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteEnvironment(ctx, "env-1"), ErrNotFound)
}

func TestQueryEnvironments(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tick := base
	store := openTestStore(t).WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})

	a := newEnvironment("env-a", "plan-1", "a")
	b := newEnvironment("env-b", "plan-1", "b")
	b.State = models.StateShutdown
	c := newEnvironment("env-c", "plan-2", "c")
	c.SubscriptionID = "sub-2"
	d := newEnvironment("env-d", "plan-1", "d")
	d.State = models.StateDeleted
	for _, env := range []models.Environment{a, b, c, d} {
		_, err := store.CreateEnvironment(ctx, env)
		require.NoError(t, err)
	}

	t.Run("by plan excludes deleted", func(t *testing.T) {
		got, err := store.QueryEnvironments(ctx, models.EnvironmentFilter{PlanID: "plan-1"}, nil)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "env-a", got[0].ID)
		assert.Equal(t, "env-b", got[1].ID)
	})

	t.Run("include deleted", func(t *testing.T) {
		got, err := store.QueryEnvironments(ctx, models.EnvironmentFilter{PlanID: "plan-1", IncludeDeleted: true}, nil)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("by subscription with predicate", func(t *testing.T) {
		got, err := store.QueryEnvironments(ctx, models.EnvironmentFilter{SubscriptionID: "sub-1"}, func(env models.Environment) bool {
			return env.State.IsComputeUtilizing()
		})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "env-a", got[0].ID)
	})
}
