// Package broker defines the contract envfleet needs from the resource broker
// that provisions compute, OS disks and storage.
//
// The broker owns the actual cloud resources; envfleet only holds references.
// Allocation, start, suspend and delete are idempotent by resource id, so
// callers may retry them freely. Memory is an in-process implementation used
// by tests and by envfleetd when no remote broker is configured.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/envfleet/envfleet/internal/models"
)

var (
	// ErrResourceNotFound is returned when the broker has no record of a resource id.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrAllocationRejected is returned when the broker refuses to create a resource.
	ErrAllocationRejected = errors.New("resource allocation rejected")
)

// StartAction selects what the broker does when asked to start compute.
type StartAction string

const (
	// ActionStartCompute boots compute for a freshly provisioned environment.
	ActionStartCompute StartAction = "StartCompute"
	// ActionResumeCompute boots compute against existing storage.
	ActionResumeCompute StartAction = "ResumeCompute"
	// ActionExport snapshots storage for export.
	ActionExport StartAction = "Export"
)

// ResourceState is the broker-side state of a resource.
type ResourceState string

const (
	ResourceReady     ResourceState = "Ready"
	ResourceRunning   ResourceState = "Running"
	ResourceSuspended ResourceState = "Suspended"
)

// AllocateRequest asks the broker for one resource.
type AllocateRequest struct {
	EnvironmentID string
	Kind          models.ResourceKind
	SKUName       string
	Location      string
	// ExtendedProperties carries kind-specific settings such as the
	// storage size in bytes or the subnet to join.
	ExtendedProperties map[string]string
}

// ResourceStartRequest describes one resource taking part in a start call.
type ResourceStartRequest struct {
	ResourceID string
	Kind       models.ResourceKind
	// Variables are plain environment variables passed to the compute agent.
	Variables map[string]string
	// SealedSecrets is the age-sealed connection token and secret-filter data.
	SealedSecrets string
}

// ResourceDetails is the broker's view of a resource.
type ResourceDetails struct {
	ResourceID string
	Kind       models.ResourceKind
	SKUName    string
	Location   string
	State      ResourceState
	SizeBytes  int64
	CreatedAt  time.Time
}

// Ref converts details into the reference stored on an environment.
func (d ResourceDetails) Ref() *models.ResourceRef {
	return &models.ResourceRef{
		ResourceID: d.ResourceID,
		SKUName:    d.SKUName,
		Kind:       d.Kind,
		Location:   d.Location,
		CreatedAt:  d.CreatedAt,
	}
}

// Client is the resource broker contract.
type Client interface {
	// Allocate creates (or hands out from a pool) a resource of the requested kind.
	Allocate(ctx context.Context, req AllocateRequest) (models.ResourceRef, error)

	// Start kicks off an asynchronous start. It returns false when the broker
	// declined to start without failing the call.
	Start(ctx context.Context, environmentID string, action StartAction, resources []ResourceStartRequest) (bool, error)

	// Suspend stops compute while keeping its disks.
	Suspend(ctx context.Context, environmentID, resourceID string) error

	// Delete releases a resource. Deleting an unknown id returns ErrResourceNotFound.
	Delete(ctx context.Context, environmentID, resourceID string) error

	// Status reports the broker-side state of a resource.
	Status(ctx context.Context, environmentID, resourceID string) (ResourceDetails, error)
}
