package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/envfleet/envfleet/internal/models"
)

// StartCall records one Start invocation.
type StartCall struct {
	EnvironmentID string
	Action        StartAction
	Resources     []ResourceStartRequest
}

// Memory implements Client with in-memory state.
// It is deterministic and safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	resources map[string]*memoryResource
	nextSeq   int
	now       func() time.Time

	allocateErr map[models.ResourceKind]error
	startErr    error
	suspendErr  error
	deleteErr   map[string]error

	allocateCalls []AllocateRequest
	startCalls    []StartCall
	suspendCalls  []string
	deleteCalls   []string
}

type memoryResource struct {
	details       ResourceDetails
	environmentID string
}

// NewMemory returns an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		resources:   make(map[string]*memoryResource),
		nextSeq:     1,
		now:         time.Now,
		allocateErr: make(map[models.ResourceKind]error),
		deleteErr:   make(map[string]error),
	}
}

// FailAllocate makes every allocation of kind fail with err. A nil err clears it.
func (m *Memory) FailAllocate(kind models.ResourceKind, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.allocateErr, kind)
		return
	}
	m.allocateErr[kind] = err
}

// FailStart makes Start fail with err.
func (m *Memory) FailStart(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
}

// FailSuspend makes Suspend fail with err.
func (m *Memory) FailSuspend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspendErr = err
}

// FailDelete makes deletes of resourceID fail with err.
func (m *Memory) FailDelete(resourceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.deleteErr, resourceID)
		return
	}
	m.deleteErr[resourceID] = err
}

func (m *Memory) Allocate(_ context.Context, req AllocateRequest) (models.ResourceRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocateCalls = append(m.allocateCalls, req)
	if err := m.allocateErr[req.Kind]; err != nil {
		return models.ResourceRef{}, err
	}
	if strings.TrimSpace(req.SKUName) == "" {
		return models.ResourceRef{}, fmt.Errorf("%w: sku is required", ErrAllocationRejected)
	}
	id := fmt.Sprintf("%s-%04d", resourcePrefix(req.Kind), m.nextSeq)
	m.nextSeq++
	var size int64
	if raw := req.ExtendedProperties[PropertyStorageSizeBytes]; raw != "" {
		size, _ = strconv.ParseInt(raw, 10, 64)
	}
	details := ResourceDetails{
		ResourceID: id,
		Kind:       req.Kind,
		SKUName:    req.SKUName,
		Location:   req.Location,
		State:      ResourceReady,
		SizeBytes:  size,
		CreatedAt:  m.now().UTC(),
	}
	m.resources[id] = &memoryResource{details: details, environmentID: req.EnvironmentID}
	return *details.Ref(), nil
}

func (m *Memory) Start(_ context.Context, environmentID string, action StartAction, resources []ResourceStartRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCalls = append(m.startCalls, StartCall{EnvironmentID: environmentID, Action: action, Resources: resources})
	if m.startErr != nil {
		return false, m.startErr
	}
	for _, req := range resources {
		res, ok := m.resources[req.ResourceID]
		if !ok {
			return false, fmt.Errorf("start %s: %w", req.ResourceID, ErrResourceNotFound)
		}
		if req.Kind == models.ResourceComputeVM {
			res.details.State = ResourceRunning
		}
	}
	return true, nil
}

func (m *Memory) Suspend(_ context.Context, _ string, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspendCalls = append(m.suspendCalls, resourceID)
	if m.suspendErr != nil {
		return m.suspendErr
	}
	res, ok := m.resources[resourceID]
	if !ok {
		return fmt.Errorf("suspend %s: %w", resourceID, ErrResourceNotFound)
	}
	res.details.State = ResourceSuspended
	return nil
}

func (m *Memory) Delete(_ context.Context, _ string, resourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteCalls = append(m.deleteCalls, resourceID)
	if err := m.deleteErr[resourceID]; err != nil {
		return err
	}
	if _, ok := m.resources[resourceID]; !ok {
		return fmt.Errorf("delete %s: %w", resourceID, ErrResourceNotFound)
	}
	delete(m.resources, resourceID)
	return nil
}

func (m *Memory) Status(_ context.Context, _ string, resourceID string) (ResourceDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[resourceID]
	if !ok {
		return ResourceDetails{}, fmt.Errorf("status %s: %w", resourceID, ErrResourceNotFound)
	}
	return res.details, nil
}

// Exists reports whether resourceID is currently allocated.
func (m *Memory) Exists(resourceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.resources[resourceID]
	return ok
}

// Allocations returns a copy of every allocation request seen.
func (m *Memory) Allocations() []AllocateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AllocateRequest(nil), m.allocateCalls...)
}

// StartCalls returns a copy of every start call seen.
func (m *Memory) StartCalls() []StartCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StartCall(nil), m.startCalls...)
}

// SuspendCalls returns the resource ids Suspend was called with.
func (m *Memory) SuspendCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.suspendCalls...)
}

// DeleteCalls returns the resource ids Delete was called with, including failed attempts.
func (m *Memory) DeleteCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleteCalls...)
}

func resourcePrefix(kind models.ResourceKind) string {
	switch kind {
	case models.ResourceComputeVM:
		return "vm"
	case models.ResourceOSDisk:
		return "disk"
	case models.ResourceStorageArchive:
		return "archive"
	default:
		return "storage"
	}
}

// Extended property keys understood by brokers.
const (
	PropertyStorageSizeBytes = "storageSizeBytes"
	PropertySubnetResourceID = "subnetResourceId"
	PropertyOSType           = "osType"
	PropertySourceStorageID  = "sourceStorageResourceId"
)
