package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/sqsd-gate/internal/gate"
	"github.com/mattjoyce/sqsd-gate/internal/joblog"
	"github.com/mattjoyce/sqsd-gate/internal/log"
)

// DefaultTimeout bounds a job when neither the handler nor the runner sets one.
const DefaultTimeout = 5 * time.Minute

// Ledger records executions. *joblog.Store satisfies it.
type Ledger interface {
	Start(ctx context.Context, req joblog.StartRequest) (string, error)
	Complete(ctx context.Context, id string, res joblog.Result) error
}

// Observer receives the outcome of every execution.
type Observer interface {
	ObserveJob(kind joblog.Kind, name string, status joblog.Status, elapsed time.Duration)
}

// Runner turns verified deliveries into handler calls. It implements
// gate.Dispatcher and gate.TaskRunner.
type Runner struct {
	registry       *Registry
	ledger         Ledger
	observer       Observer
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
	logger         *slog.Logger
}

var (
	_ gate.Dispatcher = (*Runner)(nil)
	_ gate.TaskRunner = (*Runner)(nil)
)

type RunnerOption func(*Runner)

func WithLedger(l Ledger) RunnerOption {
	return func(r *Runner) { r.ledger = l }
}

func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

func WithDefaultTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithTimeout overrides the timeout for one job class or task.
func WithTimeout(name string, d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeouts[name] = d
		}
	}
}

func NewRunner(reg *Registry, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		registry:       reg,
		defaultTimeout: DefaultTimeout,
		timeouts:       make(map[string]time.Duration),
		logger:         logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch decodes a job descriptor from the verified body and performs it.
func (r *Runner) Dispatch(ctx context.Context, d gate.Delivery) error {
	desc, err := Decode(d.Body)
	if err != nil {
		log.WithMessage(r.logger, d.MessageID).Warn("rejecting job message", "error", err)
		return err
	}
	desc.MessageID = d.MessageID
	desc.ReceiveCount = d.ReceiveCount
	if desc.QueueName == "" {
		desc.QueueName = d.Queue
	}
	return r.run(ctx, joblog.KindJob, desc)
}

// RunTask performs the periodic task registered under name.
func (r *Runner) RunTask(ctx context.Context, name string, d gate.Delivery) error {
	jobID := d.MessageID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	return r.run(ctx, joblog.KindTask, &Descriptor{
		JobClass:     name,
		JobID:        jobID,
		QueueName:    d.Queue,
		MessageID:    d.MessageID,
		ReceiveCount: d.ReceiveCount,
		Periodic:     true,
	})
}

func (r *Runner) run(ctx context.Context, kind joblog.Kind, d *Descriptor) error {
	logger := log.WithMessage(r.logger, d.MessageID).With("kind", kind, "job_class", d.JobClass, "job_id", d.JobID)
	execID := r.start(ctx, kind, d, logger)
	started := time.Now()

	err := r.perform(ctx, d)

	elapsed := time.Since(started)
	status := statusOf(err)
	r.complete(ctx, execID, status, err, logger)
	if r.observer != nil {
		r.observer.ObserveJob(kind, d.JobClass, status, elapsed)
	}

	if err != nil {
		logger.Error("job failed", "status", status, "duration", elapsed, "error", err)
		return fmt.Errorf("%s %s: %w", kind, d.JobClass, err)
	}
	logger.Info("job completed", "duration", elapsed)
	return nil
}

func (r *Runner) perform(ctx context.Context, d *Descriptor) (err error) {
	h, ok := r.registry.Get(d.JobClass)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, d.JobClass)
	}

	jctx, cancel := context.WithTimeout(ctx, r.timeoutFor(d.JobClass))
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Perform(jctx, d)
}

func (r *Runner) timeoutFor(name string) time.Duration {
	if d, ok := r.timeouts[name]; ok {
		return d
	}
	return r.defaultTimeout
}

func statusOf(err error) joblog.Status {
	switch {
	case err == nil:
		return joblog.StatusSucceeded
	case errors.Is(err, context.DeadlineExceeded):
		return joblog.StatusTimedOut
	default:
		return joblog.StatusFailed
	}
}

func (r *Runner) start(ctx context.Context, kind joblog.Kind, d *Descriptor, logger *slog.Logger) string {
	if r.ledger == nil {
		return ""
	}
	id, err := r.ledger.Start(ctx, joblog.StartRequest{
		Kind:         kind,
		Name:         d.JobClass,
		JobID:        d.JobID,
		MessageID:    d.MessageID,
		Queue:        d.QueueName,
		ReceiveCount: d.ReceiveCount,
	})
	if err != nil {
		logger.Error("failed to record job start", "error", err)
		return ""
	}
	return id
}

func (r *Runner) complete(ctx context.Context, id string, status joblog.Status, jobErr error, logger *slog.Logger) {
	if r.ledger == nil || id == "" {
		return
	}
	res := joblog.Result{Status: status}
	if jobErr != nil {
		res.LastError = jobErr.Error()
		res.Stderr = StderrOf(jobErr)
	}
	// The request may already be cancelled; the ledger write must still land.
	if err := r.ledger.Complete(context.WithoutCancel(ctx), id, res); err != nil {
		logger.Error("failed to record job completion", "execution_id", id, "error", err)
	}
}
