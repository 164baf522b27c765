package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/daino/tenantcore/internal/telemetry"
)

// Handler executes one leased job and returns its result payload. Handlers
// receive a context that is cancelled the moment the worker observes the job
// in cancelling. Once that has been observed the job is finalized as
// cancelled whatever the handler returns; a handler that returns before the
// observation is finalized as completed or failed as usual.
type Handler func(ctx context.Context, job Job) (json.RawMessage, error)

// HandlerRegistry maps job type to the routine that executes it.
type HandlerRegistry struct {
	handlers map[string]Handler
}

// NewHandlerRegistry builds an empty registry; callers Register handlers
// before handing the registry to a Worker.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register binds jobType to routine, overwriting any prior binding.
func (r *HandlerRegistry) Register(jobType string, routine Handler) {
	r.handlers[jobType] = routine
}

// Lookup returns the routine bound to jobType, if any.
func (r *HandlerRegistry) Lookup(jobType string) (Handler, bool) {
	routine, ok := r.handlers[jobType]
	return routine, ok
}

// Types lists the job types this registry has handlers for, the set Worker
// leases against.
func (r *HandlerRegistry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// cancelPollInterval is how often a running job's goroutine polls for a
// cooperative cancellation request.
const cancelPollInterval = 200 * time.Millisecond

// Worker polls the Job Engine for leasable work and runs each leased job
// through its registered handler, one goroutine per job, observing
// cooperative cancellation while the handler runs.
type Worker struct {
	engine            *Engine
	handlers          *HandlerRegistry
	logger            *slog.Logger
	id                string
	batchSize         int
	pollInterval      time.Duration
	visibilityTimeout time.Duration
}

// NewWorker constructs a Worker. id identifies this process in the jobs
// table's lease_owner column.
func NewWorker(engine *Engine, handlers *HandlerRegistry, logger *slog.Logger, id string, batchSize int, pollInterval, visibilityTimeout time.Duration) *Worker {
	return &Worker{
		engine:            engine,
		handlers:          handlers,
		logger:            logger,
		id:                id,
		batchSize:         batchSize,
		pollInterval:      pollInterval,
		visibilityTimeout: visibilityTimeout,
	}
}

// Run polls on a ticker until ctx is cancelled, leasing and executing due
// jobs of the registered types. It blocks until every in-flight job
// goroutine has returned, so a caller can rely on Run returning meaning no
// job is left mid-execution.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "job worker started", "worker_id", w.id, "types", w.handlers.Types())

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	types := w.handlers.Types()
	if len(types) == 0 {
		w.logger.WarnContext(ctx, "job worker has no registered handlers, idling")
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "job worker stopping, waiting for in-flight jobs")
			return nil
		case <-ticker.C:
			if len(types) == 0 {
				continue
			}
			leased, err := w.engine.Lease(ctx, w.id, types, w.batchSize, w.visibilityTimeout)
			if err != nil {
				w.logger.ErrorContext(ctx, "leasing jobs", "error", err)
				continue
			}
			for _, job := range leased {
				wg.Add(1)
				go func(job Job) {
					defer wg.Done()
					w.runOne(ctx, job)
				}(job)
			}
		}
	}
}

// runOne executes a single leased job to a terminal state: completed,
// failed, or cancelled.
func (w *Worker) runOne(parentCtx context.Context, job Job) {
	routine, ok := w.handlers.Lookup(job.Type)
	if !ok {
		if err := w.engine.Fail(parentCtx, job.ID, fmt.Errorf("no handler registered for job type %q", job.Type)); err != nil {
			w.logger.ErrorContext(parentCtx, "failing job with no handler", "job_id", job.ID, "error", err)
		}
		return
	}

	jobCtx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	jobCtx, span := telemetry.Tracer("tenantcore/jobs").Start(jobCtx, "job.run",
		trace.WithAttributes(attribute.String("job.type", job.Type), attribute.String("job.id", job.ID.String())))
	defer span.End()

	done := make(chan struct{})
	var cancelledCooperatively bool
	go w.watchCancellation(jobCtx, job.ID, cancel, done, &cancelledCooperatively)

	result, err := routine(jobCtx, job)
	close(done)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	finalizeCtx := parentCtx
	if finalizeCtx.Err() != nil {
		// The worker itself is shutting down: use a detached context so the
		// terminal transition still gets written.
		var finalizeCancel context.CancelFunc
		finalizeCtx, finalizeCancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer finalizeCancel()
	}

	if cancelledCooperatively {
		if ferr := w.engine.FinalizeCancellation(finalizeCtx, job.ID); ferr != nil {
			w.logger.ErrorContext(finalizeCtx, "finalizing job cancellation", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if err != nil {
		if ferr := w.engine.Fail(finalizeCtx, job.ID, err); ferr != nil {
			w.logger.ErrorContext(finalizeCtx, "failing job", "job_id", job.ID, "error", ferr)
		}
		return
	}

	if cerr := w.engine.Complete(finalizeCtx, job.ID, result); cerr != nil {
		w.logger.ErrorContext(finalizeCtx, "completing job", "job_id", job.ID, "error", cerr)
	}
}

// watchCancellation polls the engine for a cancelling status and cancels
// jobCtx the moment it observes one, letting a cooperative handler notice
// ctx.Done() and return early.
func (w *Worker) watchCancellation(ctx context.Context, jobID uuid.UUID, cancel context.CancelFunc, done <-chan struct{}, observed *bool) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cancelling, err := w.engine.ObserveCancelling(context.Background(), jobID)
			if err != nil {
				continue
			}
			if cancelling {
				*observed = true
				cancel()
				return
			}
		}
	}
}
