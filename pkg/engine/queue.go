package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/instanced/pkg/telemetry"
)

// Job is a unit of detached work, such as provisioning one cloud instance.
type Job struct {
	// ID identifies the job in logs. Generated when empty.
	ID string

	// Tenant owns the work.
	Tenant string

	// InstanceID is the instance the job operates on, if any.
	InstanceID string

	// Run performs the work. The context is cancelled when the queue is stopped
	// without draining or when Timeout elapses.
	Run func(ctx context.Context) error
}

// QueueConfig configures a JobQueue.
type QueueConfig struct {
	// Workers is the number of concurrent workers.
	Workers int `yaml:"workers"`

	// Size is the number of jobs that may wait for a worker.
	Size int `yaml:"size"`

	// Timeout bounds a single job. Zero means no bound.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultQueueConfig returns the default queue configuration. The timeout covers
// a full provisioning poll budget plus propagation.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers: 4,
		Size:    64,
		Timeout: 10 * time.Minute,
	}
}

// JobQueue runs detached jobs on a bounded pool of workers with explicit
// backpressure: Enqueue never blocks and fails with ErrQueueFull when the
// queue is at capacity.
type JobQueue struct {
	cfg     QueueConfig
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	jobs chan Job

	// baseCtx is the parent of every job context. It is independent of any
	// request so detached work outlives the call that enqueued it.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	started bool
	closed  bool

	wg sync.WaitGroup
}

// NewJobQueue creates a job queue. Call Start before enqueueing.
func NewJobQueue(cfg QueueConfig, logger zerolog.Logger, metrics *telemetry.Metrics) *JobQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Size < 0 {
		cfg.Size = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobQueue{
		cfg:     cfg,
		logger:  logger.With().Str("component", "job_queue").Logger(),
		metrics: metrics,
		jobs:    make(chan Job, cfg.Size),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Start launches the workers. Calling Start more than once has no effect.
func (q *JobQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.logger.Debug().Int("workers", q.cfg.Workers).Int("size", q.cfg.Size).Msg("Job queue started")
}

// Enqueue schedules job for execution. It returns ErrQueueFull when no slot is
// free and a conflict error once the queue has been shut down.
func (q *JobQueue) Enqueue(job Job) (string, error) {
	if job.Run == nil {
		return "", NewValidationError("job", "job has no work")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", NewConflictError("job queue is shut down", nil).WithCode(ErrCodeConflict)
	}

	select {
	case q.jobs <- job:
		q.metrics.SetQueueDepth(len(q.jobs))
		return job.ID, nil
	default:
		q.metrics.RecordError(string(ErrorClassThrottled), ErrCodeQueueFull)
		return "", ErrQueueFull.WithResource(job.InstanceID).WithDetail("capacity", q.cfg.Size)
	}
}

// Depth returns the number of jobs waiting for a worker.
func (q *JobQueue) Depth() int {
	return len(q.jobs)
}

// Shutdown stops accepting jobs and waits for queued and running jobs to finish.
// When ctx expires first, running jobs are cancelled and ctx's error returned.
func (q *JobQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	started := q.started
	q.mu.Unlock()

	if !started {
		q.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return fmt.Errorf("job queue drain interrupted: %w", ctx.Err())
	}
}

func (q *JobQueue) worker(n int) {
	defer q.wg.Done()
	for job := range q.jobs {
		q.metrics.SetQueueDepth(len(q.jobs))
		q.execute(n, job)
	}
}

func (q *JobQueue) execute(worker int, job Job) {
	ctx := q.baseCtx
	if q.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.cfg.Timeout)
		defer cancel()
	}

	logger := q.logger.With().
		Str("job_id", job.ID).
		Str("tenant", job.Tenant).
		Str("instance_id", job.InstanceID).
		Int("worker", worker).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Job panicked")
		}
	}()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		logger.Warn().Err(err).Dur("duration", time.Since(start)).Msg("Job failed")
		return
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("Job finished")
}
