package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ourtextscores/scorecore/internal/config"
	"github.com/ourtextscores/scorecore/internal/db"
	apperrors "github.com/ourtextscores/scorecore/internal/errors"
	"github.com/ourtextscores/scorecore/internal/events"
	"github.com/ourtextscores/scorecore/internal/logging"
	"github.com/ourtextscores/scorecore/internal/metrics"
	"github.com/ourtextscores/scorecore/internal/models"
	"github.com/ourtextscores/scorecore/internal/uuid"
)

// Stats reports pool activity since start.
type Stats struct {
	Workers   int   `json:"workers"`
	Busy      int32 `json:"busy"`
	Completed int64 `json:"completed"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
}

// Pool runs pipeline jobs on a fixed number of workers. Jobs live in the
// database, so a job claimed by a crashed process is picked up again
// once its lease expires.
type Pool struct {
	store   db.Store
	proc    *Processor
	cfg     config.PipelineConfig
	events  events.Publisher
	metrics *metrics.Metrics
	log     *logging.Logger

	owner string
	wake  chan struct{}

	// backoff returns the delay before retry number attempt.
	backoff func(attempt int) time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	busy      atomic.Int32
	completed atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
}

// NewPool creates a worker pool. pub and m may be nil.
func NewPool(store db.Store, proc *Processor, cfg config.PipelineConfig, pub events.Publisher, m *metrics.Metrics) *Pool {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Pool{
		store:   store,
		proc:    proc,
		cfg:     cfg,
		events:  pub,
		metrics: m,
		log:     logging.Get().With("pipeline-pool"),
		owner:   uuid.NewOrdered(),
		wake:    make(chan struct{}, 1),
		backoff: calculateBackoff,
	}
}

// calculateBackoff doubles from one minute up to one hour.
func calculateBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		return time.Hour
	}
	d := time.Duration(math.Pow(2, float64(attempt-1))) * time.Minute
	if d > time.Hour {
		d = time.Hour
	}
	return d
}

// SetBackoff replaces the retry delay function.
func (p *Pool) SetBackoff(fn func(attempt int) time.Duration) {
	p.backoff = fn
}

// Start launches the workers. It is a no-op when already running.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, fmt.Sprintf("%s/%d", p.owner, i))
	}
	p.log.Info("pipeline workers started", map[string]interface{}{"workers": p.cfg.Workers})
}

// Stop cancels the workers and waits for in-flight jobs to return.
// Interrupted jobs keep their lease and are reclaimed after it expires.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.cancel()
	p.running = false
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info("pipeline workers stopped")
}

// Notify wakes one idle worker. It never blocks.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Busy:      p.busy.Load(),
		Completed: p.completed.Load(),
		Retried:   p.retried.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) worker(ctx context.Context, owner string) {
	defer p.wg.Done()
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// Keep claiming while there is work, then wait.
		for {
			ran, err := p.runOnce(ctx, owner)
			if err != nil && ctx.Err() == nil {
				p.log.Error("pipeline worker error", err, map[string]interface{}{"worker": owner})
			}
			if !ran || ctx.Err() != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// RunOnce claims and runs a single due job. It reports whether a job was
// found.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	return p.runOnce(ctx, p.owner+"/sync")
}

// Drain runs due jobs until none remain and returns how many ran.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		ran, err := p.RunOnce(ctx)
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}

func (p *Pool) runOnce(ctx context.Context, owner string) (bool, error) {
	job, err := p.store.ClaimJob(ctx, owner, p.cfg.Lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	p.busy.Add(1)
	p.metrics.WorkerBusy(1)
	defer func() {
		p.busy.Add(-1)
		p.metrics.WorkerBusy(-1)
	}()

	p.log.Debug("job claimed", map[string]interface{}{
		"job_id": job.ID, "revision_id": job.RevisionID, "attempt": job.Attempts, "worker": owner,
	})

	jobCtx, cancel := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go p.heartbeat(jobCtx, cancel, job, owner, heartbeatDone)

	_, procErr := p.proc.Process(jobCtx, job.RevisionID)
	cancel()
	<-heartbeatDone

	if ctx.Err() != nil {
		// Shutting down; the lease will expire and another worker retries.
		return true, nil
	}
	return true, p.settle(ctx, job, owner, procErr)
}

// heartbeat extends the lease at a third of its length. Losing the lease
// cancels the job so two workers never write the same revision for long.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, job *models.PipelineJob, owner string, done chan<- struct{}) {
	defer close(done)
	interval := p.cfg.Lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.ExtendLease(ctx, job.ID, owner, p.cfg.Lease); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warn("lease lost", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
				cancel()
				return
			}
		}
	}
}

func (p *Pool) settle(ctx context.Context, job *models.PipelineJob, owner string, procErr error) error {
	if procErr == nil {
		if err := p.store.CompleteJob(ctx, job.ID, owner); err != nil {
			return p.leaseErr(job, err)
		}
		p.completed.Add(1)
		p.metrics.Job("completed")
		return nil
	}

	if stderrors.Is(procErr, ErrDeferred) {
		return p.settleDeferred(ctx, job, owner)
	}

	if job.Attempts < job.MaxAttempts {
		delay := p.backoff(job.Attempts)
		if err := p.store.RetryJob(ctx, job.ID, owner, procErr.Error(), time.Now().Add(delay)); err != nil {
			return p.leaseErr(job, err)
		}
		p.retried.Add(1)
		p.metrics.Job("retried")
		p.log.Warn("job will be retried", map[string]interface{}{
			"job_id": job.ID, "revision_id": job.RevisionID, "attempt": job.Attempts,
			"retry_in": delay.String(), "error": procErr.Error(),
		})
		p.events.Publish(events.EventPipelineRetrying, map[string]interface{}{
			"revision_id": job.RevisionID, "attempt": job.Attempts, "error": procErr.Error(),
		})
		return nil
	}

	if err := p.store.FailJob(ctx, job.ID, owner, procErr.Error()); err != nil {
		return p.leaseErr(job, err)
	}
	p.failed.Add(1)
	p.metrics.Job("failed")

	rev, err := p.store.GetRevision(ctx, job.RevisionID)
	if err != nil {
		return err
	}
	issues := append(rev.Validation.Issues, models.Issue{
		Stage:   "pipeline",
		Message: fmt.Sprintf("processing failed after %d attempts: %s", job.Attempts, procErr),
		Hard:    true,
	})
	if err := p.store.SetValidation(ctx, rev.ID, models.Validation{Status: models.ValidationFailed, Issues: issues}); err != nil {
		return err
	}
	p.log.Error("job failed permanently", procErr, map[string]interface{}{
		"job_id": job.ID, "revision_id": job.RevisionID, "attempts": job.Attempts,
	})
	p.events.Publish(events.EventPipelineFailed, map[string]interface{}{
		"work_id": rev.WorkID, "source_id": rev.SourceID, "revision_id": rev.ID,
		"sequence_number": rev.SequenceNumber, "error": procErr.Error(),
	})
	return nil
}

// settleDeferred re-queues a job whose diff waits on the previous
// revision. Once the attempts run out the job completes anyway: the
// revision is valid and the predecessor re-queues it when it finishes.
func (p *Pool) settleDeferred(ctx context.Context, job *models.PipelineJob, owner string) error {
	if job.Attempts >= job.MaxAttempts {
		if err := p.store.CompleteJob(ctx, job.ID, owner); err != nil {
			return p.leaseErr(job, err)
		}
		p.completed.Add(1)
		p.metrics.Job("completed")
		p.log.Info("diff left to the previous revision's run", map[string]interface{}{
			"job_id": job.ID, "revision_id": job.RevisionID, "attempts": job.Attempts,
		})
		return nil
	}
	delay := p.backoff(job.Attempts)
	if err := p.store.RetryJob(ctx, job.ID, owner, ErrDeferred.Error(), time.Now().Add(delay)); err != nil {
		return p.leaseErr(job, err)
	}
	p.retried.Add(1)
	p.metrics.Job("deferred")
	p.log.Debug("diff deferred", map[string]interface{}{
		"job_id": job.ID, "revision_id": job.RevisionID, "retry_in": delay.String(),
	})
	return nil
}

// leaseErr downgrades a lost lease to a log line; the new owner settles
// the job.
func (p *Pool) leaseErr(job *models.PipelineJob, err error) error {
	if apperrors.Is(err, apperrors.ErrConflict) {
		p.log.Warn("job lease taken over", map[string]interface{}{"job_id": job.ID})
		return nil
	}
	return err
}
