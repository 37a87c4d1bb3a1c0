// Package continuation dispatches long-running lifecycle steps.
//
// Each step is a named Workflow registered once. A Dispatcher picks, per
// call, whether the step runs inline through the Registry or is serialized
// onto the durable queue for a Worker to pick up later. Both venues end in
// Registry.Run, so the workflow body is the only place the step's logic
// lives.
package continuation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Workflow names.
const (
	WorkflowArchive  = "archive"
	WorkflowCreate   = "create"
	WorkflowResume   = "resume"
	WorkflowShutdown = "shutdown"
	WorkflowExport   = "export"
)

var (
	// ErrUnknownWorkflow is returned for a name with no registration.
	ErrUnknownWorkflow = errors.New("unknown workflow")
	// ErrStale is returned when the environment moved on since dispatch.
	ErrStale = errors.New("continuation input is stale")
)

// Input is the payload every workflow receives.
type Input struct {
	EnvironmentID string `cbor:"environment_id"`
	// LastStateUpdated is the environment's state timestamp at dispatch.
	LastStateUpdated time.Time         `cbor:"last_state_updated"`
	Params           map[string]string `cbor:"params,omitempty"`
}

// Param returns a parameter or "".
func (in Input) Param(key string) string {
	return in.Params[key]
}

// Status is the terminal outcome of a workflow run.
type Status string

const (
	StatusSuccess   Status = "Success"
	StatusFailed    Status = "Failed"
	StatusCancelled Status = "Cancelled"
)

// Result is what a workflow reports back.
type Result struct {
	Status  Status
	Message string
}

// Succeeded reports whether the run succeeded.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Workflow is one lifecycle step body.
type Workflow interface {
	Run(ctx context.Context, in Input) (Result, error)
}

// WorkflowFunc adapts a function to Workflow.
type WorkflowFunc func(ctx context.Context, in Input) (Result, error)

func (f WorkflowFunc) Run(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

// FreshnessFunc reports whether in still matches the environment.
type FreshnessFunc func(ctx context.Context, in Input) (bool, error)

// Registry maps workflow names to bodies.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
	fresh     FreshnessFunc
}

// NewRegistry returns an empty registry. A nil fresh skips staleness checks.
func NewRegistry(fresh FreshnessFunc) *Registry {
	return &Registry{workflows: make(map[string]Workflow), fresh: fresh}
}

// Register binds name to wf, replacing any earlier binding.
func (r *Registry) Register(name string, wf Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[name] = wf
}

// SetFreshness replaces the staleness check.
func (r *Registry) SetFreshness(fresh FreshnessFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fresh = fresh
}

// Names lists registered workflows in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run executes name after the staleness check.
func (r *Registry) Run(ctx context.Context, name string, in Input) (Result, error) {
	r.mu.RLock()
	wf, ok := r.workflows[name]
	fresh := r.fresh
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	if fresh != nil {
		current, err := fresh(ctx, in)
		if err != nil {
			return Result{}, fmt.Errorf("check freshness for %s: %w", name, err)
		}
		if !current {
			return Result{Status: StatusCancelled, Message: "environment changed since dispatch"}, ErrStale
		}
	}
	return wf.Run(ctx, in)
}
