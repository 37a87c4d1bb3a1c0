package orchestrator

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envfleet/envfleet/internal/broker"
	"github.com/envfleet/envfleet/internal/config"
	"github.com/envfleet/envfleet/internal/continuation"
	"github.com/envfleet/envfleet/internal/models"
	testutil "github.com/envfleet/envfleet/internal/testing"
)

func TestExportShutdownEnvironment(t *testing.T) {
	h := newHarness(t, 32)
	env := h.shutdown("demo", testutil.TestSKU)

	result := h.manager.Export(h.ctx, env)
	require.Equal(t, http.StatusOK, result.StatusCode, result.MessageCode)
	assert.Equal(t, models.TransitionSucceeded, result.Environment.Transitions.Status(models.TrackerExporting))
	assert.Equal(t, models.StateShutdown, result.Environment.State)

	calls := h.broker.StartCalls()
	last := calls[len(calls)-1]
	assert.Equal(t, broker.ActionExport, last.Action)
	require.Len(t, last.Resources, 1)
	assert.Equal(t, env.Storage.ResourceID, last.Resources[0].ResourceID)

	var exported []testutil.PostedEvent
	for _, ev := range h.events.Events() {
		if ev.Name == EventExported {
			exported = append(exported, ev)
		}
	}
	require.Len(t, exported, 1)
	assert.Equal(t, env.ID, exported[0].Properties["environmentId"])
	assert.Equal(t, env.Storage.ResourceID, exported[0].Properties["storageId"])
}

func TestExportRequiresShutdown(t *testing.T) {
	h := newHarness(t, 32)
	env := h.available("demo", testutil.TestSKU)

	result := h.manager.Export(h.ctx, env)
	assert.Equal(t, http.StatusBadRequest, result.StatusCode)
	assert.Equal(t, MessageEnvironmentNotShutdown, result.MessageCode)
}

func TestArchiveRequiresShutdown(t *testing.T) {
	h := newHarness(t, 32)
	env := h.available("demo", testutil.TestSKU)

	result := h.manager.Archive(h.ctx, env)
	assert.Equal(t, http.StatusBadRequest, result.StatusCode)
	assert.Equal(t, MessageEnvironmentNotShutdown, result.MessageCode)
	assert.True(t, h.broker.Exists(env.Storage.ResourceID))
}

func TestArchiveIsIdempotent(t *testing.T) {
	h := newHarness(t, 32)
	env := h.shutdown("demo", testutil.TestSKU)

	first := h.manager.Archive(h.ctx, env)
	require.Equal(t, http.StatusOK, first.StatusCode, first.MessageCode)
	allocations := len(h.broker.Allocations())

	second := h.manager.Archive(h.ctx, *first.Environment)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, first.Environment.Version, second.Environment.Version)
	assert.Len(t, h.broker.Allocations(), allocations)

	archive := h.broker.Allocations()[allocations-1]
	assert.Equal(t, models.ResourceStorageArchive, archive.Kind)
	assert.Equal(t, env.Storage.ResourceID, archive.ExtendedProperties[broker.PropertySourceStorageID])
}

func TestArchiveRebindsAfterFailedResumeFromArchive(t *testing.T) {
	h := newHarness(t, 32)
	env := h.shutdown("demo", testutil.TestSKU)
	archived := h.manager.Archive(h.ctx, env)
	require.Equal(t, http.StatusOK, archived.StatusCode, archived.MessageCode)
	archiveID := archived.Environment.Storage.ResourceID

	h.broker.FailStart(errors.New("host unreachable"))
	resumed := h.manager.Resume(h.ctx, *archived.Environment, StartParams{}, h.sub)
	require.Equal(t, MessageUnableToAllocateResources, resumed.MessageCode)
	h.broker.FailStart(nil)

	stranded := h.reload(env.ID)
	require.Equal(t, models.StateShutdown, stranded.State)
	require.True(t, stranded.Storage.IsArchive())
	allocations := len(h.broker.Allocations())

	result := h.manager.Archive(h.ctx, stranded)
	require.Equal(t, http.StatusOK, result.StatusCode, result.MessageCode)

	stored := h.reload(env.ID)
	assert.Equal(t, models.StateArchived, stored.State)
	assert.Equal(t, archiveID, stored.Storage.ResourceID)
	assert.Equal(t, stranded.Version+1, stored.Version)
	assert.Equal(t, models.TransitionSucceeded, stored.Transitions.Status(models.TrackerArchiving))
	assert.Len(t, h.broker.Allocations(), allocations)
	assert.True(t, h.broker.Exists(archiveID))
}

func TestArchiveAllocationFailureRecordsTracker(t *testing.T) {
	h := newHarness(t, 32)
	env := h.shutdown("demo", testutil.TestSKU)
	h.broker.FailAllocate(models.ResourceStorageArchive, errors.New("no capacity"))

	result := h.manager.Archive(h.ctx, env)
	assert.Equal(t, MessageUnableToAllocateResources, result.MessageCode)

	stored := h.reload(env.ID)
	assert.Equal(t, models.StateShutdown, stored.State)
	assert.False(t, stored.Storage.IsArchive())
	assert.Equal(t, models.TransitionFailed, stored.Transitions.Status(models.TrackerArchiving))
	assert.True(t, h.broker.Exists(env.Storage.ResourceID))
}

func TestArchiveOnQueue(t *testing.T) {
	h := newHarness(t, 32)
	h.setFlags(config.FeatureFlags{QueueContinuations: map[string]bool{continuation.WorkflowArchive: true}})
	env := h.shutdown("demo", testutil.TestSKU)

	result := h.manager.Archive(h.ctx, env)
	require.Equal(t, http.StatusAccepted, result.StatusCode, result.MessageCode)
	assert.Equal(t, models.StateShutdown, h.reload(env.ID).State)

	assert.Equal(t, 1, h.drain())
	stored := h.reload(env.ID)
	assert.Equal(t, models.StateArchived, stored.State)
	assert.True(t, stored.Storage.IsArchive())

	jobs := h.continuations(env.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.ContinuationSucceeded, jobs[0].Status)
}

func TestQueuedArchiveCancelledAfterResume(t *testing.T) {
	h := newHarness(t, 32)
	h.setFlags(config.FeatureFlags{QueueContinuations: map[string]bool{continuation.WorkflowArchive: true}})
	env := h.shutdown("demo", testutil.TestSKU)

	require.Equal(t, http.StatusAccepted, h.manager.Archive(h.ctx, env).StatusCode)
	resumed := h.manager.Resume(h.ctx, env, StartParams{}, h.sub)
	require.Equal(t, http.StatusOK, resumed.StatusCode, resumed.MessageCode)

	assert.Equal(t, 1, h.drain())
	jobs := h.continuations(env.ID)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.ContinuationCancelled, jobs[0].Status)

	stored := h.reload(env.ID)
	assert.Equal(t, models.StateStarting, stored.State)
	assert.False(t, stored.Storage.IsArchive())
	assert.True(t, h.broker.Exists(env.Storage.ResourceID))
}
