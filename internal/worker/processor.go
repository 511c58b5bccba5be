// Package worker runs the job execution loop: lease a job from the
// dispatch queue, route it to its stage handler, and guarantee it ends in
// a terminal status whatever happens inside the handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"memorialtube/internal/config"
	"memorialtube/internal/models"
	"memorialtube/internal/runtime"
	"memorialtube/internal/telemetry"
)

// ErrJobCancelled is returned by handlers that observed the cancel flag.
var ErrJobCancelled = errors.New("job cancelled")

// JobStore is the slice of the persistence layer the processor needs.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id, stage string, percent int, detail string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	MarkSucceeded(ctx context.Context, id, resultMessage string) error
	MarkFailed(ctx context.Context, id, errorMessage string) error
	MarkCancelled(ctx context.Context, id string) error
}

// Dispatch is the slice of the queue layer the processor needs.
type Dispatch interface {
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Handler executes one job and returns its result message.
type Handler func(ctx context.Context, job models.Job, rep *Reporter) (string, error)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    Dispatch
	store    JobStore
	tracker  *runtime.Tracker
	handlers map[string]Handler
	workerID string
}

// NewProcessor creates a processor. workerID is informational for logs.
func NewProcessor(cfg config.Config, q Dispatch, st JobStore, tracker *runtime.Tracker, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		tracker:  tracker,
		handlers: make(map[string]Handler),
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run polls the queue until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			log.Printf("worker %s: reclaimed %d expired leases", p.workerID, len(reclaimed))
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := p.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.process(ctx, jobID)
	}
}

// process executes one leased job. Every path through it ends with an ack
// and a terminal status in the store.
func (p *Processor) process(ctx context.Context, jobID string) {
	defer func() { _ = p.queue.Ack(ctx, jobID) }()

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("worker %s: leased unknown job %s: %v", p.workerID, jobID, err)
		return
	}
	if job.Terminal() {
		return
	}
	if job.CancelRequested {
		_ = p.store.MarkCancelled(ctx, job.ID)
		telemetry.JobsCancelled.WithLabelValues(job.Type).Inc()
		return
	}

	handler, ok := p.handlers[job.Type]
	if !ok {
		_ = p.store.MarkFailed(ctx, job.ID, fmt.Sprintf("no handler for job type %q", job.Type))
		telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
		return
	}

	_ = p.store.MarkRunning(ctx, job.ID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	rep := &Reporter{
		jobID: job.ID,
		store: p.store,
		queue: p.queue,
		local: p.tracker.Register(job.ID),
		lease: p.cfg.VisibilityTimeout,
	}
	defer p.tracker.Release(job.ID)

	result, err := p.runHandler(ctx, job, handler, rep)
	switch {
	case err == nil:
		_ = p.store.MarkSucceeded(ctx, job.ID, result)
		telemetry.JobsSucceeded.WithLabelValues(job.Type).Inc()
	case errors.Is(err, ErrJobCancelled):
		_ = p.store.MarkCancelled(ctx, job.ID)
		telemetry.JobsCancelled.WithLabelValues(job.Type).Inc()
	default:
		_ = p.store.MarkFailed(ctx, job.ID, err.Error())
		telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
		log.Printf("worker %s: job %s (%s) failed: %v", p.workerID, job.ID, job.Type, err)
	}
}

// runHandler shields the loop from handler panics; a panic becomes a
// terminal failure, never a stranded running job.
func (p *Processor) runHandler(ctx context.Context, job models.Job, handler Handler, rep *Reporter) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job, rep)
}

// Reporter bridges stage executors to the job runtime: progress updates go
// through the in-memory record first (monotonic clamp) and are then
// persisted; cancellation probes merge the local flag with the store.
type Reporter struct {
	jobID string
	store JobStore
	queue Dispatch
	local *runtime.Job
	lease time.Duration

	lastPoll time.Time
}

// Stage records a progress update and renews the job lease.
func (r *Reporter) Stage(ctx context.Context, stage string, percent int, detail string) {
	snap := r.local.Update(stage, percent, detail)
	_ = r.store.UpdateProgress(ctx, r.jobID, snap.Stage, snap.ProgressPercent, snap.DetailMessage)
	_ = r.queue.ExtendLease(ctx, r.jobID, r.lease)
}

// Cancelled reports whether a cancel was requested for this job. Store
// polls are rate limited; the local flag is sticky once set.
func (r *Reporter) Cancelled(ctx context.Context) bool {
	if r.local.CancelRequested() {
		return true
	}
	if time.Since(r.lastPoll) < 500*time.Millisecond {
		return false
	}
	r.lastPoll = time.Now()
	if flagged, err := r.store.CancelRequested(ctx, r.jobID); err == nil && flagged {
		r.local.RequestCancel()
		return true
	}
	return false
}
