// Package models provides data structures and constants for envfleet.
//
// This package contains the core domain models used throughout envfleet:
//   - Environment: an on-demand workspace bound to compute, disk, storage and a session
//   - Plan / Subscription: the owning collection and the billing account behind it
//   - SKU: a sizing option with its core count and allowed transitions
//   - Continuation: a durable lifecycle step waiting on the queue
//
// All models are designed for database persistence and JSON serialization.
package models

import (
	"strings"
	"time"
)

// EnvironmentType distinguishes environments that own backing resources from
// those that only carry a collaboration session.
type EnvironmentType string

const (
	// EnvironmentStandard environments own compute, storage and optionally an OS disk.
	EnvironmentStandard EnvironmentType = "Standard"
	// EnvironmentStatic environments have no compute, disk or storage of their own.
	EnvironmentStatic EnvironmentType = "Static"
)

// ResourceKind identifies what a ResourceRef points at in the broker.
type ResourceKind string

const (
	ResourceComputeVM      ResourceKind = "ComputeVM"
	ResourceOSDisk         ResourceKind = "OSDisk"
	ResourceStorage        ResourceKind = "StorageFileShare"
	ResourceStorageArchive ResourceKind = "StorageArchive"
)

// ResourceRef binds an environment to one broker-managed resource.
type ResourceRef struct {
	ResourceID string       `json:"resourceId"`
	SKUName    string       `json:"skuName,omitempty"`
	Kind       ResourceKind `json:"resourceKind"`
	Location   string       `json:"location,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// IsArchive reports whether the reference points at cold archive storage.
func (r *ResourceRef) IsArchive() bool {
	return r != nil && r.Kind == ResourceStorageArchive
}

// Connection holds the collaboration session binding. It changes on every resume.
type Connection struct {
	SessionID   string `json:"sessionId,omitempty"`
	SessionPath string `json:"sessionPath,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	ComputeID   string `json:"computeId,omitempty"`
	ServiceURI  string `json:"serviceUri,omitempty"`
}

// IsZero reports whether no session is bound.
func (c Connection) IsZero() bool {
	return c == Connection{}
}

// Environment represents one user's on-demand workspace.
//
// State is only written by the orchestrator's transition recorder. Version is
// the optimistic concurrency token: the store rejects updates whose Version no
// longer matches the stored row.
type Environment struct {
	ID             string          `json:"id"`
	FriendlyName   string          `json:"friendlyName"`
	PlanID         string          `json:"planId"`
	SubscriptionID string          `json:"subscriptionId"`
	OwnerID        string          `json:"ownerId"`
	Type           EnvironmentType `json:"type"`

	State                  EnvironmentState `json:"state"`
	LastStateUpdated       time.Time        `json:"lastStateUpdated"`
	LastStateUpdateTrigger string           `json:"lastStateUpdateTrigger,omitempty"`
	LastStateUpdateReason  string           `json:"lastStateUpdateReason,omitempty"`
	StateTimeout           *time.Time       `json:"stateTimeout,omitempty"`

	Compute          *ResourceRef `json:"compute,omitempty"`
	Storage          *ResourceRef `json:"storage,omitempty"`
	OSDisk           *ResourceRef `json:"osDisk,omitempty"`
	SubnetResourceID string       `json:"subnetResourceId,omitempty"`

	// ArchiveStorageResourceID and ReplacementStorageResourceID are only set
	// while a resume from archive storage is waiting for its callback.
	ArchiveStorageResourceID     string `json:"archiveStorageResourceId,omitempty"`
	ReplacementStorageResourceID string `json:"replacementStorageResourceId,omitempty"`

	Connection Connection `json:"connection"`

	SKUName                  string `json:"skuName"`
	AutoShutdownDelayMinutes int    `json:"autoShutdownDelayMinutes"`
	Location                 string `json:"location"`

	Transitions Transitions `json:"transitions,omitempty"`

	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`
	LastUsed time.Time `json:"lastUsed"`
	Version  int64     `json:"version"`
}

// IsStatic reports whether the environment has no backing resources.
func (e Environment) IsStatic() bool {
	return e.Type == EnvironmentStatic
}

// NameKey is the case-insensitive key used for friendly-name collisions.
func (e Environment) NameKey() string {
	return NameKey(e.FriendlyName)
}

// Snapshot captures the state fields before a transition.
func (e Environment) Snapshot() StateSnapshot {
	return StateSnapshot{State: e.State, LastStateUpdated: e.LastStateUpdated}
}

// Clone returns a deep copy so callers can mutate without aliasing stored values.
func (e Environment) Clone() Environment {
	out := e
	out.Compute = cloneRef(e.Compute)
	out.Storage = cloneRef(e.Storage)
	out.OSDisk = cloneRef(e.OSDisk)
	if e.StateTimeout != nil {
		deadline := *e.StateTimeout
		out.StateTimeout = &deadline
	}
	out.Transitions = e.Transitions.clone()
	return out
}

func cloneRef(ref *ResourceRef) *ResourceRef {
	if ref == nil {
		return nil
	}
	copied := *ref
	return &copied
}

// NameKey normalizes a friendly name for comparison.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// StateSnapshot is an immutable copy of the state fields taken before a
// transition so billing and metrics can report both sides.
type StateSnapshot struct {
	State            EnvironmentState
	LastStateUpdated time.Time
}

// EnvironmentFilter narrows repository queries before any predicate runs.
// Empty fields match everything.
type EnvironmentFilter struct {
	PlanID         string
	SubscriptionID string
	OwnerID        string
	IncludeDeleted bool
}

// OSType is the guest operating system family of a SKU.
type OSType string

const (
	OSLinux   OSType = "Linux"
	OSWindows OSType = "Windows"
)

// SKU describes one sizing option.
type SKU struct {
	Name               string   `json:"name"`
	Family             string   `json:"family"`
	Cores              int      `json:"cores"`
	OS                 OSType   `json:"os"`
	StorageSizeBytes   int64    `json:"storageSizeBytes"`
	Locations          []string `json:"locations"`
	AllowedTransitions []string `json:"allowedTransitions"`
}

// AvailableIn reports whether the SKU can be placed in location.
func (s SKU) AvailableIn(location string) bool {
	for _, loc := range s.Locations {
		if strings.EqualFold(loc, location) {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether target is a permitted SKU change.
func (s SKU) CanTransitionTo(target string) bool {
	for _, name := range s.AllowedTransitions {
		if strings.EqualFold(name, target) {
			return true
		}
	}
	return false
}

// Plan is the collection environments belong to.
type Plan struct {
	ID                        string
	SubscriptionID            string
	OwnerID                   string
	Location                  string
	AllowedAutoShutdownDelays []int
	// MaxComputeCores caps the plan itself, on top of the subscription quota. Zero means no plan cap.
	MaxComputeCores int
}

// AllowsAutoShutdownDelay reports whether minutes is one of the plan's allowed values.
func (p Plan) AllowsAutoShutdownDelay(minutes int) bool {
	for _, allowed := range p.AllowedAutoShutdownDelays {
		if allowed == minutes {
			return true
		}
	}
	return false
}

// SubscriptionState is the billing registration state of a subscription.
type SubscriptionState string

const (
	SubscriptionRegistered   SubscriptionState = "Registered"
	SubscriptionWarned       SubscriptionState = "Warned"
	SubscriptionSuspended    SubscriptionState = "Suspended"
	SubscriptionUnregistered SubscriptionState = "Unregistered"
	SubscriptionDeleted      SubscriptionState = "Deleted"
)

// Subscription is the billing account that owns plans.
type Subscription struct {
	ID    string
	State SubscriptionState
	// Banned subscriptions may not create environments.
	Banned bool
	// MaxCoresByFamily is the per-SKU-family compute quota.
	MaxCoresByFamily map[string]int
}

// IsBillable reports whether new compute may be started for the subscription.
func (s Subscription) IsBillable() bool {
	return s.State == SubscriptionRegistered || s.State == SubscriptionWarned
}

// Identity is the caller an operation runs on behalf of. It is passed
// explicitly to every operation that needs it.
type Identity struct {
	UserID string
	// ComputeResourceID is set for tokens issued to a VM.
	ComputeResourceID string
	// Scopes is nil for unscoped user tokens.
	Scopes                 []string
	AuthorizedPlanIDs      []string
	AuthorizedEnvironments []string
}

// HasScope reports whether the identity carries scope.
func (i Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if strings.EqualFold(s, scope) {
			return true
		}
	}
	return false
}

// ContinuationStatus tracks a queued continuation job.
type ContinuationStatus string

const (
	ContinuationQueued    ContinuationStatus = "queued"
	ContinuationRunning   ContinuationStatus = "running"
	ContinuationSucceeded ContinuationStatus = "succeeded"
	ContinuationFailed    ContinuationStatus = "failed"
	ContinuationCancelled ContinuationStatus = "cancelled"
)

// Continuation is one durable lifecycle step on the queue.
type Continuation struct {
	ID            string
	Workflow      string
	EnvironmentID string
	Payload       []byte
	Status        ContinuationStatus
	Attempts      int
	LastError     string
	AvailableAt   time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
