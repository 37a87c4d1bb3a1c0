package continuation

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/envfleet/envfleet/internal/models"
)

// Venue names where a workflow ran.
const (
	VenueInline = "inline"
	VenueQueued = "queued"
)

// Outcome is what a dispatch produced. Queued outcomes carry no result.
type Outcome struct {
	Venue  string
	JobID  string
	Result Result
}

// Queued reports whether the workflow was handed to the queue.
func (o Outcome) Queued() bool {
	return o.Venue == VenueQueued
}

// WorkflowRunner executes or schedules a named workflow.
type WorkflowRunner interface {
	Run(ctx context.Context, workflow string, in Input) (Outcome, error)
}

// Inline runs workflows in-process.
type Inline struct {
	Registry *Registry
}

func (r Inline) Run(ctx context.Context, workflow string, in Input) (Outcome, error) {
	result, err := r.Registry.Run(ctx, workflow, in)
	return Outcome{Venue: VenueInline, Result: result}, err
}

// Enqueuer persists continuation jobs.
type Enqueuer interface {
	EnqueueContinuation(ctx context.Context, job models.Continuation) error
}

// Queued serializes workflows onto the durable queue.
type Queued struct {
	Store Enqueuer
}

func (r Queued) Run(ctx context.Context, workflow string, in Input) (Outcome, error) {
	payload, err := EncodeInput(in)
	if err != nil {
		return Outcome{}, err
	}
	job := models.Continuation{
		ID:            uuid.NewString(),
		Workflow:      workflow,
		EnvironmentID: in.EnvironmentID,
		Payload:       payload,
	}
	if err := r.Store.EnqueueContinuation(ctx, job); err != nil {
		return Outcome{}, fmt.Errorf("enqueue %s: %w", workflow, err)
	}
	return Outcome{Venue: VenueQueued, JobID: job.ID}, nil
}

// Policy decides per call whether workflow goes to the queue.
type Policy func(workflow string) bool

// Observer is told about every dispatch.
type Observer interface {
	Dispatched(workflow, venue string)
}

// Dispatcher selects a runner per call.
type Dispatcher struct {
	inline   WorkflowRunner
	queued   WorkflowRunner
	policy   Policy
	observer Observer
}

// NewDispatcher wires the two venues. A nil policy always runs inline.
func NewDispatcher(inline, queued WorkflowRunner, policy Policy, observer Observer) *Dispatcher {
	return &Dispatcher{inline: inline, queued: queued, policy: policy, observer: observer}
}

// Dispatch runs workflow in the venue the policy picks.
func (d *Dispatcher) Dispatch(ctx context.Context, workflow string, in Input) (Outcome, error) {
	return d.run(ctx, d.pick(workflow), workflow, in)
}

// Enqueue always uses the queue, regardless of policy.
func (d *Dispatcher) Enqueue(ctx context.Context, workflow string, in Input) (Outcome, error) {
	return d.run(ctx, d.queued, workflow, in)
}

func (d *Dispatcher) pick(workflow string) WorkflowRunner {
	if d.policy != nil && d.policy(workflow) {
		return d.queued
	}
	return d.inline
}

func (d *Dispatcher) run(ctx context.Context, runner WorkflowRunner, workflow string, in Input) (Outcome, error) {
	outcome, err := runner.Run(ctx, workflow, in)
	if d.observer != nil && outcome.Venue != "" {
		d.observer.Dispatched(workflow, outcome.Venue)
	}
	return outcome, err
}
