package db

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envfleet/envfleet/internal/models"
)

func TestRecordEvent(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.NoError(t, store.RecordEvent(ctx, Event{Kind: "environment.state", EnvironmentID: "env-1", CorrelationID: "corr-1", Message: "Created -> Provisioning"}))
	require.NoError(t, store.RecordEvent(ctx, Event{Kind: "environment.state", EnvironmentID: "env-2"}))
	assert.EqualError(t, store.RecordEvent(ctx, Event{}), "event kind is required")

	events, err := store.ListEventsByEnvironment(ctx, "env-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "corr-1", events[0].CorrelationID)
	assert.Equal(t, "Created -> Provisioning", events[0].Message)
	assert.False(t, events[0].Timestamp.IsZero())

	_, err = store.ListEventsByEnvironment(ctx, "env-1", 0, 0)
	assert.EqualError(t, err, "limit must be positive")
}

func TestRecordStateChange(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	env := newEnvironment("env-1", "plan-1", "demo")

	require.NoError(t, store.RecordStateChange(ctx, "plan-1", env, "Created", "Provisioning"))
	require.NoError(t, store.RecordStateChange(ctx, "plan-0", env, "Shutdown", "Moved"))
	assert.EqualError(t, store.RecordStateChange(ctx, "", env, "a", "b"), "billing plan id is required")

	events, err := store.ListBillingEvents(ctx, "env-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "plan-1", events[0].PlanID)
	assert.Equal(t, "standardLinux", events[0].SKUName)
	assert.Equal(t, "Provisioning", events[0].NewState)
	assert.Equal(t, "plan-0", events[1].PlanID)
	assert.Equal(t, string(models.StateMoved), events[1].NewState)

	var summary map[string]string
	require.NoError(t, json.Unmarshal([]byte(events[0].JSON), &summary))
	assert.Equal(t, "demo", summary["friendlyName"])
}
