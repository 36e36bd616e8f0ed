package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

// ErrTerminal marks a processor failure that must not be retried. Processors
// wrap it (fmt.Errorf("%w: ...", queue.ErrTerminal)) when the job outcome is
// already settled and another attempt cannot change it.
var ErrTerminal = errors.New("terminal job failure")

const (
	defaultMaxConcurrent  = 2
	defaultAttemptTimeout = 2 * time.Minute
	defaultPollInterval   = 500 * time.Millisecond
	defaultRetryBaseDelay = 10 * time.Second
	defaultRetryMaxDelay  = 5 * time.Minute
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(now time.Time, types []storage.JobType, excludeSubjects []string) (*storage.Job, error)
	CompleteJob(id string) error
	RetryJob(id string, errMsg string, runAfter time.Time) error
	FailJob(id string, errMsg string) error
	ResetProcessingJobs() (int64, error)
}

// Processor handles one attempt of a job. Returning nil completes the job;
// any other error schedules a retry unless it wraps ErrTerminal or the retry
// budget is spent.
type Processor interface {
	Process(ctx context.Context, job storage.Job) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job storage.Job) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, job storage.Job) error { return f(ctx, job) }

// Config tunes a Runner. Zero fields fall back to defaults.
type Config struct {
	MaxConcurrent  int
	AttemptTimeout time.Duration
	PollInterval   time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Runner drives persisted jobs through their processors with bounded
// concurrency. Jobs sharing a subject ID never run at the same time: a
// single claim loop checks and marks an in-memory in-flight set under one
// mutex, so two workers cannot pick up the same subject. The set is not
// persisted; after a crash RecoverStale returns interrupted jobs to pending.
type Runner struct {
	store      JobStore
	clock      Clock
	logger     *slog.Logger
	processors map[storage.JobType]Processor

	maxConcurrent  int
	attemptTimeout time.Duration
	poll           time.Duration
	retryBase      time.Duration
	retryMax       time.Duration

	mu       sync.Mutex
	inflight map[string]struct{}

	notify chan struct{}
	slots  chan struct{}
	wg     sync.WaitGroup

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// NewRunner creates a Runner backed by store.
func NewRunner(store JobStore, cfg Config) *Runner {
	return NewRunnerWithClock(store, cfg, realClock{})
}

// NewRunnerWithClock creates a Runner with a custom clock (for testing).
func NewRunnerWithClock(store JobStore, cfg Config, clock Clock) *Runner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	return &Runner{
		store:          store,
		clock:          clock,
		logger:         slog.Default(),
		processors:     make(map[storage.JobType]Processor),
		maxConcurrent:  cfg.MaxConcurrent,
		attemptTimeout: cfg.AttemptTimeout,
		poll:           cfg.PollInterval,
		retryBase:      cfg.RetryBaseDelay,
		retryMax:       cfg.RetryMaxDelay,
		inflight:       make(map[string]struct{}),
		notify:         make(chan struct{}, 1),
		slots:          make(chan struct{}, cfg.MaxConcurrent),
		subs:           make(map[chan Event]struct{}),
	}
}

// Register installs the processor for a job type. Must be called before Run.
func (r *Runner) Register(t storage.JobType, p Processor) {
	r.processors[t] = p
}

// Enqueue persists a new job due immediately and wakes the claim loop.
// The payload is JSON-encoded into the job record.
func (r *Runner) Enqueue(jobType storage.JobType, subjectID string, payload any) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding payload: %w", err)
	}

	job := storage.Job{
		ID:          ulid.Make().String(),
		Type:        jobType,
		SubjectID:   subjectID,
		PayloadJSON: string(body),
		RunAfter:    r.clock.Now(),
	}
	if err := r.store.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}

	r.logger.Info("queue: job enqueued", "job_id", job.ID, "type", jobType, "subject_id", subjectID)
	r.publish(Event{JobID: job.ID, Type: jobType, SubjectID: subjectID, Status: storage.JobPending, At: r.clock.Now()})
	r.wake()
	return job.ID, nil
}

// InFlight reports how many subjects are currently being processed.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// RecoverStale returns jobs stuck in processing (from a crash or a previous
// shutdown) to pending without consuming a retry. Run calls it on startup.
func (r *Runner) RecoverStale() (int64, error) {
	n, err := r.store.ResetProcessingJobs()
	if err != nil {
		return 0, fmt.Errorf("resetting interrupted jobs: %w", err)
	}
	return n, nil
}

// Run recovers interrupted jobs and then processes the queue until ctx is
// cancelled, waking on Enqueue and on the poll ticker (which also picks up
// delayed retries as they come due). In-flight attempts are waited for
// before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if n, err := r.RecoverStale(); err != nil {
		return err
	} else if n > 0 {
		r.logger.Info("queue: requeued interrupted jobs", "count", n)
	}

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for ctx.Err() == nil {
		r.dispatch(ctx)
		select {
		case <-ctx.Done():
		case <-r.notify:
		case <-ticker.C:
		}
	}

	r.wg.Wait()
	return nil
}

// RunOnce claims and processes a single due job synchronously.
// Returns true if a job was processed (regardless of success/failure).
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	job, err := r.claim()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	r.execute(ctx, *job)
	return true, nil
}

// dispatch starts a worker for every claimable job while slots are free.
func (r *Runner) dispatch(ctx context.Context) {
	for {
		select {
		case r.slots <- struct{}{}:
		default:
			return
		}

		job, err := r.claim()
		if err != nil {
			<-r.slots
			r.logger.Error("queue: claiming job failed", "error", err)
			return
		}
		if job == nil {
			<-r.slots
			return
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer func() {
				<-r.slots
				r.wake()
			}()
			r.execute(ctx, *job)
		}()
	}
}

// claim atomically picks the next due job whose subject is idle and marks
// the subject in-flight. Holding the mutex across the store call keeps the
// check-and-mark atomic even if claimers overlap.
func (r *Runner) claim() (*storage.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	busy := make([]string, 0, len(r.inflight))
	for subject := range r.inflight {
		busy = append(busy, subject)
	}

	job, err := r.store.ClaimNextJob(r.clock.Now(), nil, busy)
	if err != nil || job == nil {
		return nil, err
	}
	r.inflight[job.SubjectID] = struct{}{}
	return job, nil
}

func (r *Runner) release(subjectID string) {
	r.mu.Lock()
	delete(r.inflight, subjectID)
	r.mu.Unlock()
}

// execute runs one attempt for a claimed job and persists the outcome. The
// subject leaves the in-flight set as soon as the outcome is recorded; a
// retried job stays invisible to claimers until its run_after elapses.
func (r *Runner) execute(ctx context.Context, job storage.Job) {
	defer r.release(job.SubjectID)

	r.publish(Event{JobID: job.ID, Type: job.Type, SubjectID: job.SubjectID, Status: storage.JobProcessing, RetryCount: job.RetryCount, At: r.clock.Now()})

	proc, ok := r.processors[job.Type]
	if !ok {
		r.fail(job, fmt.Sprintf("no processor registered for job type %q", job.Type))
		return
	}

	err := r.attempt(ctx, proc, job)

	switch {
	case err == nil:
		if cerr := r.store.CompleteJob(job.ID); cerr != nil {
			r.logger.Error("queue: completing job failed", "job_id", job.ID, "error", cerr)
			return
		}
		r.logger.Info("queue: job completed", "job_id", job.ID, "type", job.Type, "subject_id", job.SubjectID)
		r.publish(Event{JobID: job.ID, Type: job.Type, SubjectID: job.SubjectID, Status: storage.JobCompleted, RetryCount: job.RetryCount, At: r.clock.Now()})
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		// Shutdown raced the attempt. Leave the job in processing; the
		// startup sweep returns it to pending without consuming a retry.
		r.logger.Info("queue: attempt interrupted by shutdown", "job_id", job.ID)
	case errors.Is(err, ErrTerminal):
		r.fail(job, err.Error())
	case job.RetryCount+1 < job.MaxRetries:
		r.retry(job, err)
	default:
		r.fail(job, err.Error())
	}
}

// attempt races the processor against the per-attempt timeout. A timed-out
// attempt keeps running; its eventual result is drained in the background so
// the worker goroutine never blocks on the channel send.
func (r *Runner) attempt(ctx context.Context, proc Processor, job storage.Job) error {
	resCh := make(chan error, 1)
	go func() {
		resCh <- r.invoke(ctx, proc, job)
	}()

	timer := time.NewTimer(r.attemptTimeout)
	defer timer.Stop()

	select {
	case err := <-resCh:
		return err
	case <-timer.C:
		go func() {
			if late := <-resCh; late != nil {
				r.logger.Warn("queue: late failure after attempt timeout", "job_id", job.ID, "error", late)
			} else {
				r.logger.Warn("queue: attempt finished after its timeout was recorded", "job_id", job.ID)
			}
		}()
		return fmt.Errorf("attempt timed out after %s", r.attemptTimeout)
	}
}

// invoke guards the processor call so a panic fails the attempt instead of
// killing the worker.
func (r *Runner) invoke(ctx context.Context, proc Processor, job storage.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processor panicked: %v", rec)
		}
	}()
	return proc.Process(ctx, job)
}

func (r *Runner) retry(job storage.Job, cause error) {
	delay := r.retryDelay(job.RetryCount)
	runAfter := r.clock.Now().Add(delay)
	if err := r.store.RetryJob(job.ID, cause.Error(), runAfter); err != nil {
		r.logger.Error("queue: scheduling retry failed", "job_id", job.ID, "error", err)
		return
	}
	r.logger.Warn("queue: job attempt failed, retrying", "job_id", job.ID, "type", job.Type, "retry_count", job.RetryCount+1, "delay", delay, "error", cause)
	r.publish(Event{JobID: job.ID, Type: job.Type, SubjectID: job.SubjectID, Status: storage.JobPending, RetryCount: job.RetryCount + 1, Error: cause.Error(), At: r.clock.Now()})
}

func (r *Runner) fail(job storage.Job, msg string) {
	if err := r.store.FailJob(job.ID, msg); err != nil {
		r.logger.Error("queue: marking job failed", "job_id", job.ID, "error", err)
		return
	}
	r.logger.Warn("queue: job failed", "job_id", job.ID, "type", job.Type, "error", msg)
	r.publish(Event{JobID: job.ID, Type: job.Type, SubjectID: job.SubjectID, Status: storage.JobFailed, RetryCount: job.RetryCount, Error: msg, At: r.clock.Now()})
}

// retryDelay doubles the base delay per retry already consumed, capped at
// the configured maximum.
func (r *Runner) retryDelay(retryCount int) time.Duration {
	d := time.Duration(float64(r.retryBase) * math.Pow(2, float64(retryCount)))
	if d > r.retryMax {
		d = r.retryMax
	}
	return d
}

func (r *Runner) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
