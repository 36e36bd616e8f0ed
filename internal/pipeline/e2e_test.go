package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zaf/g711"

	"github.com/insaiyann/Accepticon-sub000/internal/aggregate"
	"github.com/insaiyann/Accepticon-sub000/internal/audio"
	"github.com/insaiyann/Accepticon-sub000/internal/diagram"
	"github.com/insaiyann/Accepticon-sub000/internal/queue"
	"github.com/insaiyann/Accepticon-sub000/internal/recognition"
	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type scriptedBackend struct {
	calls atomic.Int32
	fn    func(call int) (recognition.Transcription, error)
}

func (b *scriptedBackend) Transcribe(ctx context.Context, clip *audio.Normalized) (recognition.Transcription, error) {
	return b.fn(int(b.calls.Add(1)))
}

func (b *scriptedBackend) Release(ctx context.Context) error { return nil }

func runOne(t *testing.T, r *queue.Runner) {
	t.Helper()
	done, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !done {
		t.Fatal("RunOnce = false, want a processed job")
	}
}

func TestEndToEndTranscribeThenDiagram(t *testing.T) {
	s := openTestStore(t)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.SaveMessage(storage.Message{ID: "m-text", Kind: storage.KindText, Content: "hello", Timestamp: t0}); err != nil {
		t.Fatalf("SaveMessage text: %v", err)
	}
	if err := s.SaveMessage(storage.Message{
		ID: "m-audio", Kind: storage.KindAudio,
		Audio: wavClip(t), AudioMime: "audio/wav",
		Timestamp: t0.Add(time.Second),
	}); err != nil {
		t.Fatalf("SaveMessage audio: %v", err)
	}

	backend := &scriptedBackend{fn: func(int) (recognition.Transcription, error) {
		return recognition.Transcription{Text: "world", Confidence: 0.9}, nil
	}}
	gen := &fakeGenerator{out: diagram.Generated{Code: "flowchart TD\n  A-->B", Title: "Flow", Kind: "flowchart"}}

	r := queue.NewRunner(s, queue.Config{})
	r.Register(storage.JobAudioTranscription, NewTranscriber(s, audio.NewNormalizer(), recognition.NewClient(backend)))
	r.Register(storage.JobDiagramGeneration, NewDiagramProcessor(s, diagram.NewCache(s), gen))

	if _, err := r.Enqueue(storage.JobAudioTranscription, "m-audio", TranscribePayload{MessageID: "m-audio"}); err != nil {
		t.Fatalf("Enqueue transcription: %v", err)
	}
	runOne(t, r)

	msg, err := s.GetMessage("m-audio")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.TranscriptionStatus != storage.TranscriptionRecognized {
		t.Fatalf("transcription status = %q, want %q", msg.TranscriptionStatus, storage.TranscriptionRecognized)
	}
	if msg.Transcription != "world" {
		t.Errorf("transcription = %q, want %q", msg.Transcription, "world")
	}

	ids := []string{"m-text", "m-audio"}
	subject := DiagramSubject(ids)
	if _, err := r.Enqueue(storage.JobDiagramGeneration, subject, DiagramPayload{MessageIDs: ids}); err != nil {
		t.Fatalf("Enqueue diagram: %v", err)
	}
	runOne(t, r)

	if gen.gotText != "hello\n\nworld" {
		t.Errorf("aggregated text = %q, want %q", gen.gotText, "hello\n\nworld")
	}

	entry, err := s.LatestDiagramForSet(ids)
	if err != nil {
		t.Fatalf("LatestDiagramForSet: %v", err)
	}
	if got := strings.Join(entry.MessageIDs, ","); got != "m-audio,m-text" {
		t.Errorf("entry ids = %q, want %q", got, "m-audio,m-text")
	}
	if entry.GeneratedCode == "" {
		t.Error("entry has no generated code")
	}

	msgs, err := s.GetMessagesByIDs(ids)
	if err != nil {
		t.Fatalf("GetMessagesByIDs: %v", err)
	}
	for _, m := range msgs {
		if !m.Processed {
			t.Errorf("message %s not marked processed", m.ID)
		}
	}

	// Submitting the same set again reuses the cached diagram.
	if _, err := r.Enqueue(storage.JobDiagramGeneration, subject, DiagramPayload{MessageIDs: ids}); err != nil {
		t.Fatalf("Enqueue diagram again: %v", err)
	}
	runOne(t, r)

	if gen.calls.Load() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls.Load())
	}
	entries, err := s.ListDiagramsByHash(entry.InputHash)
	if err != nil {
		t.Fatalf("ListDiagramsByHash: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("cache entries = %d, want 1", len(entries))
	}
}

// TestTranscribeConvertedClipKeepsMeasuredDuration feeds a μ-law clip saved
// without an ingest-time duration through a failing transcription. The
// duration measured during normalization must end up on the message so the
// aggregation placeholder can name it.
func TestTranscribeConvertedClipKeepsMeasuredDuration(t *testing.T) {
	s := openTestStore(t)

	raw := make([]byte, 8000) // one second at the G.711 rate
	for i := range raw {
		v := int16(math.Round(0.5 * 32767 * math.Sin(2*math.Pi*440*float64(i)/8000)))
		raw[i] = g711.EncodeUlawFrame(v)
	}
	if err := s.SaveMessage(storage.Message{ID: "m-ulaw", Kind: storage.KindAudio, Audio: raw, AudioMime: "audio/basic"}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	backend := &scriptedBackend{fn: func(int) (recognition.Transcription, error) {
		return recognition.Transcription{}, fmt.Errorf("uploading clip: %w", context.DeadlineExceeded)
	}}
	tr := NewTranscriber(s, audio.NewNormalizer(), recognition.NewClientWithRetry(backend, 3, time.Millisecond))

	if err := tr.Process(context.Background(), transcribeJob(t, "m-ulaw")); !errors.Is(err, queue.ErrTerminal) {
		t.Fatalf("err = %v, want terminal", err)
	}

	msg, err := s.GetMessage("m-ulaw")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.TranscriptionStatus != storage.TranscriptionTimeout {
		t.Errorf("status = %q, want %q", msg.TranscriptionStatus, storage.TranscriptionTimeout)
	}
	if diff := (msg.Duration - time.Second).Abs(); diff > 50*time.Millisecond {
		t.Errorf("stored Duration = %v, want within 50ms of 1s", msg.Duration)
	}

	text, err := aggregate.Compose([]storage.Message{msg})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if text != "[audio: 1s, transcription unavailable]" {
		t.Errorf("placeholder = %q, want it to carry the measured duration", text)
	}
}

func TestEndToEndPersistentTimeoutFailsJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveMessage(storage.Message{
		ID: "m-audio", Kind: storage.KindAudio,
		Audio: wavClip(t), AudioMime: "audio/wav",
	}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	backend := &scriptedBackend{fn: func(int) (recognition.Transcription, error) {
		return recognition.Transcription{}, fmt.Errorf("uploading clip: %w", context.DeadlineExceeded)
	}}

	r := queue.NewRunner(s, queue.Config{})
	r.Register(storage.JobAudioTranscription,
		NewTranscriber(s, audio.NewNormalizer(), recognition.NewClientWithRetry(backend, 3, time.Millisecond)))

	jobID, err := r.Enqueue(storage.JobAudioTranscription, "m-audio", TranscribePayload{MessageID: "m-audio"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	runOne(t, r)

	// The recognizer burned its attempts; the job must not retry on top.
	if got := backend.calls.Load(); got != 3 {
		t.Errorf("backend calls = %d, want 3", got)
	}
	job, err := s.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.JobFailed {
		t.Errorf("job status = %q, want %q", job.Status, storage.JobFailed)
	}
	if job.LastError == "" {
		t.Error("job has no LastError")
	}

	msg, err := s.GetMessage("m-audio")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.TranscriptionStatus != storage.TranscriptionTimeout {
		t.Errorf("transcription status = %q, want %q", msg.TranscriptionStatus, storage.TranscriptionTimeout)
	}
	if msg.Transcription != "" {
		t.Errorf("transcription = %q, want empty", msg.Transcription)
	}

	if done, err := r.RunOnce(context.Background()); err != nil || done {
		t.Errorf("RunOnce after terminal failure = (%v, %v), want (false, nil)", done, err)
	}
}
