package continuation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/envfleet/envfleet/internal/models"
)

// QueueStore is the durable queue the Worker drains.
type QueueStore interface {
	ClaimContinuation(ctx context.Context) (models.Continuation, bool, error)
	FinishContinuation(ctx context.Context, id string, status models.ContinuationStatus, lastError string) error
	RetryContinuation(ctx context.Context, id string, delay time.Duration, lastError string) error
}

// WorkerOptions tunes a Worker.
type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
}

// JobObserver is told how every job ended.
type JobObserver interface {
	JobFinished(workflow string, status models.ContinuationStatus)
}

// Worker claims queued continuations and runs them on an ants pool.
type Worker struct {
	store    QueueStore
	registry *Registry
	opts     WorkerOptions
	logger   zerolog.Logger
	observer JobObserver

	pool     *ants.Pool
	inflight sync.WaitGroup
}

// NewWorker builds a Worker and its goroutine pool.
func NewWorker(store QueueStore, registry *Registry, opts WorkerOptions, observer JobObserver, logger zerolog.Logger) (*Worker, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	w := &Worker{
		store:    store,
		registry: registry,
		opts:     opts,
		logger:   logger.With().Str("component", "continuation_worker").Logger(),
		observer: observer,
	}
	pool, err := ants.NewPool(opts.Concurrency,
		ants.WithPanicHandler(func(p any) {
			w.logger.Error().Interface("panic", p).Msg("continuation panic recovered")
		}),
		ants.WithNonblocking(false),
	)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// Run polls the queue until ctx is done, then waits for in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()
	defer w.release()
	for {
		for ctx.Err() == nil {
			job, ok, err := w.store.ClaimContinuation(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error().Err(err).Msg("claim continuation failed")
				}
				break
			}
			if !ok {
				break
			}
			w.inflight.Add(1)
			submitErr := w.pool.Submit(func() {
				defer w.inflight.Done()
				w.process(ctx, job)
			})
			if submitErr != nil {
				w.inflight.Done()
				w.logger.Error().Err(submitErr).Str("job_id", job.ID).Msg("submit continuation failed")
				_ = w.store.RetryContinuation(context.WithoutCancel(ctx), job.ID, w.opts.RetryDelay, submitErr.Error())
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOne claims and runs a single job on the calling goroutine.
// It reports false when the queue had nothing ready.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, ok, err := w.store.ClaimContinuation(ctx)
	if err != nil || !ok {
		return false, err
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) release() {
	w.inflight.Wait()
	w.pool.Release()
}

func (w *Worker) process(ctx context.Context, job models.Continuation) {
	logger := w.logger.With().
		Str("job_id", job.ID).
		Str("workflow", job.Workflow).
		Str("environment_id", job.EnvironmentID).
		Int("attempt", job.Attempts).
		Logger()
	// Bookkeeping must land even when ctx is cancelled mid-run.
	bookCtx := context.WithoutCancel(ctx)

	in, err := DecodeInput(job.Payload)
	if err != nil {
		logger.Error().Err(err).Msg("dropping undecodable continuation")
		w.finish(bookCtx, logger, job, models.ContinuationFailed, err.Error())
		return
	}
	result, err := w.registry.Run(logger.WithContext(ctx), job.Workflow, in)
	switch {
	case errors.Is(err, ErrStale):
		logger.Info().Msg("continuation is stale; cancelling")
		w.finish(bookCtx, logger, job, models.ContinuationCancelled, err.Error())
	case errors.Is(err, ErrUnknownWorkflow):
		logger.Error().Err(err).Msg("continuation has no workflow")
		w.finish(bookCtx, logger, job, models.ContinuationFailed, err.Error())
	case err != nil:
		if job.Attempts < w.opts.MaxAttempts {
			delay := time.Duration(job.Attempts) * w.opts.RetryDelay
			logger.Warn().Err(err).Dur("retry_in", delay).Msg("continuation failed; retrying")
			if retryErr := w.store.RetryContinuation(bookCtx, job.ID, delay, err.Error()); retryErr != nil {
				logger.Error().Err(retryErr).Msg("requeue continuation failed")
			}
			return
		}
		logger.Error().Err(err).Msg("continuation exhausted its attempts")
		w.finish(bookCtx, logger, job, models.ContinuationFailed, err.Error())
	default:
		w.finish(bookCtx, logger, job, statusFor(result), result.Message)
	}
}

func (w *Worker) finish(ctx context.Context, logger zerolog.Logger, job models.Continuation, status models.ContinuationStatus, message string) {
	if err := w.store.FinishContinuation(ctx, job.ID, status, message); err != nil {
		logger.Error().Err(err).Msg("record continuation outcome failed")
		return
	}
	if w.observer != nil {
		w.observer.JobFinished(job.Workflow, status)
	}
	logger.Debug().Str("status", string(status)).Msg("continuation finished")
}

func statusFor(result Result) models.ContinuationStatus {
	switch result.Status {
	case StatusSuccess:
		return models.ContinuationSucceeded
	case StatusCancelled:
		return models.ContinuationCancelled
	default:
		return models.ContinuationFailed
	}
}
