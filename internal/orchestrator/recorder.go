package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/envfleet/envfleet/internal/models"
)

// Lifecycle event names posted to the metrics sink.
const (
	EventNamespace        = "environment"
	EventStateEnded       = "StateEnded"
	EventStateStarted     = "StateStarted"
	EventQuotaExceeded    = "QuotaExceeded"
	EventAllocationFailed = "AllocationFailed"
	EventExported         = "Exported"
)

// Triggers recorded on transitions.
const (
	TriggerCreate           = "Create"
	TriggerResume           = "Resume"
	TriggerSuspend          = "Suspend"
	TriggerSuspendCallback  = "SuspendCallback"
	TriggerProvision        = "ProvisionCallback"
	TriggerDelete           = "Delete"
	TriggerArchive          = "Archive"
	TriggerStateTimeout     = "StateTimeout"
	TriggerHeartbeat        = "Heartbeat"
	TriggerUpdateSettings   = "UpdateSettings"
	TriggerRepair           = "Repair"
	TriggerAllocationFailed = "AllocationFailed"
)

// stagedTransition is one applied transition whose side effects have not
// been emitted yet.
type stagedTransition struct {
	env           models.Environment
	before        models.StateSnapshot
	billingPlanID string
	correlationID string
	isUserError   bool
}

// Recorder is the only writer of Environment.State. It applies the state
// fields, then reports the change to billing, metrics and the log.
type Recorder struct {
	billing BillingSink
	metrics MetricsSink
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRecorder returns a Recorder. Nil sinks are skipped.
func NewRecorder(billing BillingSink, metrics MetricsSink, logger zerolog.Logger, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{billing: billing, metrics: metrics, logger: logger, now: now}
}

// Transition moves env to state and emits the change immediately. A
// transition to the current state is a no-op.
func (r *Recorder) Transition(ctx context.Context, env *models.Environment, to models.EnvironmentState, trigger, reason string) error {
	staged, err := r.apply(env, to, trigger, reason, env.PlanID, false)
	if err != nil || staged == nil {
		return err
	}
	r.emit(ctx, *staged)
	return nil
}

func (r *Recorder) apply(env *models.Environment, to models.EnvironmentState, trigger, reason, billingPlanID string, isUserError bool) (*stagedTransition, error) {
	from := env.State
	if from == to {
		return nil, nil
	}
	if !models.AllowedTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, from, to)
	}
	before := env.Snapshot()
	now := r.now().UTC()
	if now.Before(env.LastStateUpdated) {
		now = env.LastStateUpdated
	}
	env.State = to
	env.LastStateUpdated = now
	env.LastStateUpdateTrigger = trigger
	env.LastStateUpdateReason = reason
	env.StateTimeout = nil
	return &stagedTransition{
		env:           env.Clone(),
		before:        before,
		billingPlanID: billingPlanID,
		correlationID: uuid.NewString(),
		isUserError:   isUserError,
	}, nil
}

func (r *Recorder) emit(ctx context.Context, st stagedTransition) {
	env := st.env
	logger := r.logger.With().
		Str("environment_id", env.ID).
		Str("from", string(st.before.State)).
		Str("to", string(env.State)).
		Str("trigger", env.LastStateUpdateTrigger).
		Str("correlation_id", st.correlationID).
		Logger()

	if r.billing != nil && st.billingPlanID != "" {
		if err := r.billing.RecordStateChange(ctx, st.billingPlanID, env, string(st.before.State), string(env.State)); err != nil {
			logger.Warn().Err(err).Str("plan_id", st.billingPlanID).Msg("billing state change not recorded")
		}
	}
	if r.metrics != nil {
		duration := env.LastStateUpdated.Sub(st.before.LastStateUpdated)
		if st.before.LastStateUpdated.IsZero() || duration < 0 {
			duration = 0
		}
		r.metrics.PostEvent(ctx, EventNamespace, EventStateEnded, map[string]string{
			"environmentId":   env.ID,
			"planId":          st.billingPlanID,
			"skuName":         env.SKUName,
			"state":           string(st.before.State),
			"nextState":       string(env.State),
			"durationSeconds": strconv.FormatFloat(duration.Seconds(), 'f', 3, 64),
		}, st.correlationID, env.LastStateUpdated)
		r.metrics.PostEvent(ctx, EventNamespace, EventStateStarted, map[string]string{
			"environmentId": env.ID,
			"planId":        st.billingPlanID,
			"skuName":       env.SKUName,
			"state":         string(env.State),
			"previousState": string(st.before.State),
			"trigger":       env.LastStateUpdateTrigger,
			"reason":        env.LastStateUpdateReason,
			"isUserError":   strconv.FormatBool(st.isUserError),
		}, st.correlationID, env.LastStateUpdated)
	}

	event := logger.Info()
	if env.State == models.StateFailed {
		event = logger.Warn().Bool("user_error", st.isUserError)
	}
	event.Str("reason", env.LastStateUpdateReason).Msg("environment state changed")
}

// Changes collects transitions applied during one write attempt so their
// side effects fire only once the write lands.
type Changes struct {
	rec    *Recorder
	staged []stagedTransition
}

func (r *Recorder) begin() *Changes {
	return &Changes{rec: r}
}

// Transition applies a transition to env and stages its side effects.
func (c *Changes) Transition(env *models.Environment, to models.EnvironmentState, trigger, reason string) error {
	return c.stage(env, to, trigger, reason, env.PlanID, false)
}

// Fail moves env to Failed. isUserError marks failures the caller caused.
func (c *Changes) Fail(env *models.Environment, trigger, reason string, isUserError bool) error {
	return c.stage(env, models.StateFailed, trigger, reason, env.PlanID, isUserError)
}

// Move emits a Moved transition billed to oldPlanID, then restores env to
// its real state billed to its current plan. Moved is never persisted.
func (c *Changes) Move(env *models.Environment, oldPlanID, trigger string) error {
	current := env.State
	if err := c.stage(env, models.StateMoved, trigger, "plan changed", oldPlanID, false); err != nil {
		return err
	}
	return c.stage(env, current, trigger, "plan changed", env.PlanID, false)
}

func (c *Changes) stage(env *models.Environment, to models.EnvironmentState, trigger, reason, billingPlanID string, isUserError bool) error {
	staged, err := c.rec.apply(env, to, trigger, reason, billingPlanID, isUserError)
	if err != nil {
		return err
	}
	if staged != nil {
		c.staged = append(c.staged, *staged)
	}
	return nil
}

// Len is the number of staged transitions.
func (c *Changes) Len() int {
	return len(c.staged)
}

func (c *Changes) commit(ctx context.Context) {
	if c == nil {
		return
	}
	for _, st := range c.staged {
		c.rec.emit(ctx, st)
	}
	c.staged = nil
}
