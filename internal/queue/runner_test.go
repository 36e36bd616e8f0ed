package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustRunOnce(t *testing.T, r *Runner, want bool) {
	t.Helper()
	done, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if done != want {
		t.Fatalf("RunOnce = %v, want %v", done, want)
	}
}

func mustGetJob(t *testing.T, s *storage.Store, id string) storage.Job {
	t.Helper()
	j, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob(%s): %v", id, err)
	}
	return j
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

type echoPayload struct {
	MessageID string `json:"message_id"`
}

func TestEnqueueAndRunOnceCompletes(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, Config{})

	var calls atomic.Int32
	var gotID string
	r.Register(storage.JobAudioTranscription, ProcessorFunc(func(ctx context.Context, job storage.Job) error {
		calls.Add(1)
		var p echoPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return err
		}
		gotID = p.MessageID
		return nil
	}))

	id, err := r.Enqueue(storage.JobAudioTranscription, "msg-1", echoPayload{MessageID: "msg-1"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	mustRunOnce(t, r, true)

	if calls.Load() != 1 {
		t.Errorf("processor calls = %d, want 1", calls.Load())
	}
	if gotID != "msg-1" {
		t.Errorf("payload message id = %q, want %q", gotID, "msg-1")
	}
	if j := mustGetJob(t, s, id); j.Status != storage.JobCompleted {
		t.Errorf("status = %q, want %q", j.Status, storage.JobCompleted)
	}
	if r.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", r.InFlight())
	}

	mustRunOnce(t, r, false)
}

func TestEnqueueRejectsUnencodablePayload(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, Config{})

	if _, err := r.Enqueue(storage.JobAudioTranscription, "msg-1", make(chan int)); err == nil {
		t.Fatal("expected error for unencodable payload")
	}
}

func TestNoProcessorFailsImmediately(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, Config{})

	id, err := r.Enqueue(storage.JobDiagramGeneration, "set-1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	mustRunOnce(t, r, true)

	j := mustGetJob(t, s, id)
	if j.Status != storage.JobFailed {
		t.Errorf("status = %q, want %q", j.Status, storage.JobFailed)
	}
	if !strings.Contains(j.LastError, "no processor registered") {
		t.Errorf("LastError = %q, want mention of missing processor", j.LastError)
	}
	if j.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", j.RetryCount)
	}
}

func TestRetryScheduleAndExhaustion(t *testing.T) {
	s := newTestStore(t)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := newFakeClock(t0)
	r := NewRunnerWithClock(s, Config{RetryBaseDelay: time.Minute, RetryMaxDelay: 10 * time.Minute}, clk)

	var calls atomic.Int32
	r.Register(storage.JobAudioTranscription, ProcessorFunc(func(ctx context.Context, job storage.Job) error {
		calls.Add(1)
		return errors.New("connection reset by peer")
	}))

	id, err := r.Enqueue(storage.JobAudioTranscription, "msg-1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// First attempt fails and schedules a retry one minute out.
	mustRunOnce(t, r, true)
	j := mustGetJob(t, s, id)
	if j.Status != storage.JobPending {
		t.Fatalf("status = %q, want %q", j.Status, storage.JobPending)
	}
	if j.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", j.RetryCount)
	}
	if j.LastError == "" {
		t.Error("LastError is empty after a failed attempt")
	}
	if want := t0.Add(time.Minute); !j.RunAfter.Equal(want) {
		t.Errorf("RunAfter = %v, want %v", j.RunAfter, want)
	}

	// Not claimable until the delay elapses.
	mustRunOnce(t, r, false)

	// Second attempt, delay doubles.
	clk.Advance(time.Minute)
	mustRunOnce(t, r, true)
	j = mustGetJob(t, s, id)
	if j.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", j.RetryCount)
	}
	if want := t0.Add(time.Minute + 2*time.Minute); !j.RunAfter.Equal(want) {
		t.Errorf("RunAfter = %v, want %v", j.RunAfter, want)
	}

	mustRunOnce(t, r, false)

	// Third attempt exhausts the budget: terminal failure, no re-queue.
	clk.Advance(2 * time.Minute)
	mustRunOnce(t, r, true)
	j = mustGetJob(t, s, id)
	if j.Status != storage.JobFailed {
		t.Fatalf("status = %q, want %q", j.Status, storage.JobFailed)
	}
	if !strings.Contains(j.LastError, "connection reset") {
		t.Errorf("LastError = %q, want the last attempt error", j.LastError)
	}
	if calls.Load() != 3 {
		t.Errorf("attempts = %d, want 3", calls.Load())
	}

	clk.Advance(time.Hour)
	mustRunOnce(t, r, false)
}

func TestRetryDelayDoublesAndCaps(t *testing.T) {
	r := NewRunner(newTestStore(t), Config{RetryBaseDelay: time.Second, RetryMaxDelay: 5 * time.Second})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for count, w := range want {
		if got := r.retryDelay(count); got != w {
			t.Errorf("retryDelay(%d) = %v, want %v", count, got, w)
		}
	}
}

func TestErrTerminalFailsImmediately(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, Config{})

	var calls atomic.Int32
	r.Register(storage.JobAudioTranscription, ProcessorFunc(func(ctx context.Context, job storage.Job) error {
		calls.Add(1)
		return fmt.Errorf("%w: unusable input", ErrTerminal)
	}))

	id, err := r.Enqueue(storage.JobAudioTranscription, "msg-1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	mustRunOnce(t, r, true)

	j := mustGetJob(t, s, id)
	if j.Status != storage.JobFailed {
		t.Errorf("status = %q, want %q", j.Status, storage.JobFailed)
	}
	if !strings.Contains(j.LastError, "unusable input") {
		t.Errorf("LastError = %q, want the terminal cause", j.LastError)
	}
	if calls.Load() != 1 {
		t.Errorf("attempts = %d, want 1", calls.Load())
	}
}

func TestPanicSchedulesRetry(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, Config{})

	r.Register(storage.JobAudioTranscription, ProcessorFunc(func(ctx context.Context, job storage.Job) error {
		panic("boom")
	}))

	id, err := r.Enqueue(storage.JobAudioTranscription, "msg-1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	mustRunOnce(t, r, true)

	j := mustGetJob(t, s, id)
	if j.Status != storage.JobPending {
		t.Errorf("status = %q, want %q", j.Status, storage.JobPending)
	}
	if !strings.Contains(j.LastError, "panicked") {
		t.Errorf("LastError = %q, want panic note", j.LastError)
	}
}

func TestAttemptTimeoutSchedulesRetry(t *testing.T) {
	s := newTestStore(t)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := newFakeClock(t0)
	r := NewRunnerWithClock(s, Config{AttemptTimeout: 30 * time.Millisecond, RetryBaseDelay: time.Minute}, clk)

	var finished atomic.Bool
	r.Register(storage.JobAudioTranscription, ProcessorFunc(func(ctx context.Context, job storage.Job) error {
		time.Sleep(150 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	id, err := r.Enqueue(storage.JobAudioTranscription, "msg-1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	mustRunOnce(t, r, true)

	j := mustGetJob(t, s, id)
	if j.Status != storage.JobPending {
		t.Fatalf("status = %q, want %q", j.Status, storage.JobPending)
	}
	if j.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", j.RetryCount)
	}
	if !strings.Contains(j.LastError, "timed out") {
		t.Errorf("LastError = %q, want timeout note", j.LastError)
	}

	// The losing attempt keeps running and is drained in the background.
	waitFor(t, time.Second, func() bool { return finished.Load() })
}

func TestRecoverStaleRequeuesInterruptedJobs(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnqueueJob(storage.Job{ID: "j1", Type: storage.JobAudioTranscription, SubjectID: "m1", PayloadJSON: `{}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	claimed, err := s.ClaimNextJob(time.Now(), nil, nil)
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimable job")
	}

	r := NewRunner(s, Config{})
	var calls atomic.Int32
	r.Register(storage.JobAudioTranscription, ProcessorFunc(func(ctx context.Context, job storage.Job) error {
		calls.Add(1)
		return nil
	}))

	n, err := r.RecoverStale()
	if err != nil {
		t.Fatalf("RecoverStale: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	mustRunOnce(t, r, true)
	if j := mustGetJob(t, s, "j1"); j.Status != storage.JobCompleted {
		t.Errorf("status = %q, want %q", j.Status, storage.JobCompleted)
	}
	if calls.Load() != 1 {
		t.Errorf("processor calls = %d, want 1", calls.Load())
	}
}

// gateProcessor blocks every attempt until release is closed and tracks how
// many attempts overlap.
type gateProcessor struct {
	entered chan string
	release chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (p *gateProcessor) Process(ctx context.Context, job storage.Job) error {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		seen := p.maxSeen.Load()
		if n <= seen || p.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	p.entered <- job.ID
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return nil
}

func recvID(t *testing.T, ch <-chan string, timeout time.Duration, msg string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(timeout):
		t.Fatal(msg)
		return ""
	}
}

func TestSameSubjectRunsSequentially(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, Config{MaxConcurrent: 2, PollInterval: 10 * time.Millisecond})
	p := &gateProcessor{entered: make(chan string, 4), release: make(chan struct{})}
	r.Register(storage.JobAudioTranscription, p)

	id1, err := r.Enqueue(storage.JobAudioTranscription, "msg-1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id2, err := r.Enqueue(storage.JobAudioTranscription, "msg-1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	recvID(t, p.entered, 2*time.Second, "first attempt never started")

	// The second job shares the subject, so it must wait for the first.
	select {
	case id := <-p.entered:
		t.Fatalf("job %s started while its subject was in flight", id)
	case <-time.After(100 * time.Millisecond):
	}

	close(p.release)
	recvID(t, p.entered, 2*time.Second, "second attempt never started")

	waitFor(t, 2*time.Second, func() bool {
		return mustGetJob(t, s, id1).Status == storage.JobCompleted &&
			mustGetJob(t, s, id2).Status == storage.JobCompleted
	})
	if got := p.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent attempts for one subject = %d, want 1", got)
	}

	cancel()
	<-done
}

func TestDifferentSubjectsRunConcurrently(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, Config{MaxConcurrent: 2, PollInterval: 10 * time.Millisecond})
	p := &gateProcessor{entered: make(chan string, 4), release: make(chan struct{})}
	r.Register(storage.JobAudioTranscription, p)

	id1, err := r.Enqueue(storage.JobAudioTranscription, "msg-a", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	id2, err := r.Enqueue(storage.JobAudioTranscription, "msg-b", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	recvID(t, p.entered, 2*time.Second, "first attempt never started")
	recvID(t, p.entered, 2*time.Second, "second attempt never started alongside the first")
	if got := p.maxSeen.Load(); got != 2 {
		t.Errorf("max concurrent attempts = %d, want 2", got)
	}

	close(p.release)
	waitFor(t, 2*time.Second, func() bool {
		return mustGetJob(t, s, id1).Status == storage.JobCompleted &&
			mustGetJob(t, s, id2).Status == storage.JobCompleted
	})

	cancel()
	<-done
}

func TestRunProcessesEnqueuedJobs(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, Config{PollInterval: 10 * time.Millisecond})

	var calls atomic.Int32
	r.Register(storage.JobAudioTranscription, ProcessorFunc(func(ctx context.Context, job storage.Job) error {
		calls.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		id, err := r.Enqueue(storage.JobAudioTranscription, fmt.Sprintf("msg-%d", i), nil)
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, id := range ids {
			if mustGetJob(t, s, id).Status != storage.JobCompleted {
				return false
			}
		}
		return true
	})
	if calls.Load() != 3 {
		t.Errorf("processor calls = %d, want 3", calls.Load())
	}

	cancel()
	<-done
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	s := newTestStore(t)
	r := NewRunner(s, Config{})
	r.Register(storage.JobAudioTranscription, ProcessorFunc(func(ctx context.Context, job storage.Job) error {
		return nil
	}))

	ch, cancel := r.Subscribe()
	defer cancel()

	id, err := r.Enqueue(storage.JobAudioTranscription, "msg-1", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	mustRunOnce(t, r, true)

	want := []storage.JobStatus{storage.JobPending, storage.JobProcessing, storage.JobCompleted}
	for i, w := range want {
		select {
		case ev := <-ch:
			if ev.Status != w {
				t.Errorf("event %d status = %q, want %q", i, ev.Status, w)
			}
			if ev.JobID != id {
				t.Errorf("event %d job id = %q, want %q", i, ev.JobID, id)
			}
		default:
			t.Fatalf("missing event %d (%s)", i, w)
		}
	}
}
