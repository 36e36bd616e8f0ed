package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/insaiyann/Accepticon-sub000/internal/diagram"
	"github.com/insaiyann/Accepticon-sub000/internal/queue"
	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

type fakeDiagramStore struct {
	msgs      []storage.Message
	processed [][]string
}

func (s *fakeDiagramStore) GetMessagesByIDs(ids []string) ([]storage.Message, error) {
	return s.msgs, nil
}

func (s *fakeDiagramStore) MarkMessagesProcessed(ids []string) error {
	s.processed = append(s.processed, ids)
	return nil
}

// fakeCacheStore backs a real diagram.Cache in tests.
type fakeCacheStore struct {
	mu      sync.Mutex
	entries []storage.DiagramEntry
}

func (s *fakeCacheStore) ListDiagramsByHash(hash string) ([]storage.DiagramEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.DiagramEntry
	for _, e := range s.entries {
		if e.InputHash == hash {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *fakeCacheStore) SaveDiagram(d storage.DiagramEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, d)
	return nil
}

func (s *fakeCacheStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type fakeGenerator struct {
	calls   atomic.Int32
	gotText string
	out     diagram.Generated
	err     error
}

func (g *fakeGenerator) Generate(ctx context.Context, text string, opts diagram.Options) (diagram.Generated, error) {
	g.calls.Add(1)
	g.gotText = text
	if g.err != nil {
		return diagram.Generated{}, g.err
	}
	return g.out, nil
}

func diagramJob(ids ...string) storage.Job {
	return storage.Job{
		ID:          "job-1",
		Type:        storage.JobDiagramGeneration,
		SubjectID:   strings.Join(ids, ","),
		PayloadJSON: `{"message_ids":["` + strings.Join(ids, `","`) + `"]}`,
		MaxRetries:  3,
	}
}

func TestDiagramGeneratesAndMarksProcessed(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeDiagramStore{msgs: []storage.Message{
		{ID: "m1", Kind: storage.KindText, Content: "hello", Timestamp: t0},
		{ID: "m2", Kind: storage.KindText, Content: "world", Timestamp: t0.Add(time.Second)},
	}}
	cacheStore := &fakeCacheStore{}
	gen := &fakeGenerator{out: diagram.Generated{Code: "flowchart TD\n  A-->B", Title: "Flow", Kind: "flowchart"}}
	dp := NewDiagramProcessor(store, diagram.NewCache(cacheStore), gen)

	if err := dp.Process(context.Background(), diagramJob("m1", "m2")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if gen.gotText != "hello\n\nworld" {
		t.Errorf("aggregated text = %q, want %q", gen.gotText, "hello\n\nworld")
	}
	if cacheStore.count() != 1 {
		t.Errorf("cache entries = %d, want 1", cacheStore.count())
	}
	if len(store.processed) != 1 {
		t.Fatalf("processed marks = %d, want 1", len(store.processed))
	}
	if got := strings.Join(store.processed[0], ","); got != "m1,m2" {
		t.Errorf("processed ids = %q, want %q", got, "m1,m2")
	}
}

func TestDiagramWaitsForPendingTranscription(t *testing.T) {
	store := &fakeDiagramStore{msgs: []storage.Message{
		{ID: "m1", Kind: storage.KindText, Content: "hello"},
		{ID: "m2", Kind: storage.KindAudio, TranscriptionStatus: storage.TranscriptionPending},
	}}
	gen := &fakeGenerator{}
	dp := NewDiagramProcessor(store, diagram.NewCache(&fakeCacheStore{}), gen)

	err := dp.Process(context.Background(), diagramJob("m1", "m2"))
	if err == nil {
		t.Fatal("expected an error while a transcription is pending")
	}
	if errors.Is(err, queue.ErrTerminal) {
		t.Errorf("err = %v, want retryable", err)
	}
	if gen.calls.Load() != 0 {
		t.Errorf("generator calls = %d, want 0", gen.calls.Load())
	}
}

func TestDiagramNoContentIsTerminal(t *testing.T) {
	store := &fakeDiagramStore{msgs: []storage.Message{
		{ID: "m1", Kind: storage.KindImage, ImageName: "shot.png"},
	}}
	dp := NewDiagramProcessor(store, diagram.NewCache(&fakeCacheStore{}), &fakeGenerator{})

	err := dp.Process(context.Background(), diagramJob("m1"))
	if !errors.Is(err, queue.ErrTerminal) {
		t.Fatalf("err = %v, want terminal", err)
	}
}

func TestDiagramReusesCachedEntry(t *testing.T) {
	store := &fakeDiagramStore{msgs: []storage.Message{
		{ID: "m1", Kind: storage.KindText, Content: "hello"},
	}}
	cacheStore := &fakeCacheStore{}
	gen := &fakeGenerator{out: diagram.Generated{Code: "flowchart TD\n  A-->B", Kind: "flowchart"}}
	dp := NewDiagramProcessor(store, diagram.NewCache(cacheStore), gen)

	for i := 0; i < 2; i++ {
		if err := dp.Process(context.Background(), diagramJob("m1")); err != nil {
			t.Fatalf("Process #%d: %v", i+1, err)
		}
	}

	if gen.calls.Load() != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls.Load())
	}
	if cacheStore.count() != 1 {
		t.Errorf("cache entries = %d, want 1", cacheStore.count())
	}
	if len(store.processed) != 2 {
		t.Errorf("processed marks = %d, want 2", len(store.processed))
	}
}

func TestDiagramPermanentGeneratorErrorIsTerminal(t *testing.T) {
	store := &fakeDiagramStore{msgs: []storage.Message{
		{ID: "m1", Kind: storage.KindText, Content: "hello"},
	}}
	gen := &fakeGenerator{err: &openai.APIError{HTTPStatusCode: 400, Message: "invalid input"}}
	dp := NewDiagramProcessor(store, diagram.NewCache(&fakeCacheStore{}), gen)

	err := dp.Process(context.Background(), diagramJob("m1"))
	if !errors.Is(err, queue.ErrTerminal) {
		t.Fatalf("err = %v, want terminal", err)
	}
	if len(store.processed) != 0 {
		t.Errorf("processed marks = %d, want 0", len(store.processed))
	}
}

func TestDiagramTransientGeneratorErrorRetries(t *testing.T) {
	store := &fakeDiagramStore{msgs: []storage.Message{
		{ID: "m1", Kind: storage.KindText, Content: "hello"},
	}}
	gen := &fakeGenerator{err: errors.New("http status 503: upstream unavailable")}
	dp := NewDiagramProcessor(store, diagram.NewCache(&fakeCacheStore{}), gen)

	err := dp.Process(context.Background(), diagramJob("m1"))
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, queue.ErrTerminal) {
		t.Errorf("err = %v, want retryable", err)
	}
}

func TestDiagramEmptyIDsIsTerminal(t *testing.T) {
	dp := NewDiagramProcessor(&fakeDiagramStore{}, diagram.NewCache(&fakeCacheStore{}), &fakeGenerator{})

	job := storage.Job{ID: "job-1", Type: storage.JobDiagramGeneration, PayloadJSON: `{"message_ids":[]}`}
	if err := dp.Process(context.Background(), job); !errors.Is(err, queue.ErrTerminal) {
		t.Fatalf("err = %v, want terminal", err)
	}
}
