package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/insaiyann/Accepticon-sub000/internal/aggregate"
	"github.com/insaiyann/Accepticon-sub000/internal/diagram"
	"github.com/insaiyann/Accepticon-sub000/internal/queue"
	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

// DiagramPayload carries the message set and options for a generation job.
type DiagramPayload struct {
	MessageIDs []string        `json:"message_ids"`
	Options    diagram.Options `json:"options"`
}

// DiagramSubject derives the queue subject for a diagram job. Requests over
// the same message set map to the same subject regardless of ID order, so
// the queue serializes them.
func DiagramSubject(messageIDs []string) string {
	ids := append([]string(nil), messageIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// DiagramStore is the slice of storage the diagram processor needs.
type DiagramStore interface {
	GetMessagesByIDs(ids []string) ([]storage.Message, error)
	MarkMessagesProcessed(ids []string) error
}

// Generator produces diagram source from aggregated text.
type Generator interface {
	Generate(ctx context.Context, text string, opts diagram.Options) (diagram.Generated, error)
}

// DiagramCache deduplicates generation for a message set.
type DiagramCache interface {
	LookupOrGenerate(ctx context.Context, messageIDs []string, text string, opts diagram.Options, generate diagram.GenerateFunc) (storage.DiagramEntry, bool, error)
}

// DiagramProcessor processes diagram-generation jobs: aggregate the message
// set into one text, then generate (or reuse) the diagram for it. Audio
// messages still awaiting transcription make the attempt fail retryably so
// the job comes back once they have settled.
type DiagramProcessor struct {
	store     DiagramStore
	cache     DiagramCache
	generator Generator
	logger    *slog.Logger
}

// NewDiagramProcessor creates a DiagramProcessor with the given dependencies.
func NewDiagramProcessor(store DiagramStore, cache DiagramCache, generator Generator) *DiagramProcessor {
	return &DiagramProcessor{
		store:     store,
		cache:     cache,
		generator: generator,
		logger:    slog.Default(),
	}
}

// Process implements queue.Processor.
func (d *DiagramProcessor) Process(ctx context.Context, job storage.Job) error {
	var payload DiagramPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("%w: parsing payload: %v", queue.ErrTerminal, err)
	}
	if len(payload.MessageIDs) == 0 {
		return fmt.Errorf("%w: diagram job has no message ids", queue.ErrTerminal)
	}

	msgs, err := d.store.GetMessagesByIDs(payload.MessageIDs)
	if err != nil {
		return fmt.Errorf("loading messages: %w", err)
	}
	if len(msgs) == 0 {
		return fmt.Errorf("%w: none of the requested messages exist", queue.ErrTerminal)
	}

	for _, m := range msgs {
		if m.Kind == storage.KindAudio && m.TranscriptionStatus == storage.TranscriptionPending {
			return fmt.Errorf("message %s transcription still pending", m.ID)
		}
	}

	text, err := aggregate.Compose(msgs)
	if err != nil {
		if errors.Is(err, aggregate.ErrNoContent) {
			return fmt.Errorf("%w: %v", queue.ErrTerminal, err)
		}
		return fmt.Errorf("aggregating content: %w", err)
	}

	entry, cached, err := d.cache.LookupOrGenerate(ctx, payload.MessageIDs, text, payload.Options, func(ctx context.Context) (diagram.Generated, error) {
		return d.generator.Generate(ctx, text, payload.Options)
	})
	if err != nil {
		if diagram.IsPermanent(err) {
			return fmt.Errorf("%w: generating diagram: %v", queue.ErrTerminal, err)
		}
		return fmt.Errorf("generating diagram: %w", err)
	}

	if err := d.store.MarkMessagesProcessed(payload.MessageIDs); err != nil {
		return fmt.Errorf("marking messages processed: %w", err)
	}

	if cached {
		d.logger.Info("pipeline: diagram reused", "diagram_id", entry.ID, "messages", len(payload.MessageIDs))
	} else {
		d.logger.Info("pipeline: diagram generated",
			"diagram_id", entry.ID, "kind", entry.DiagramKind, "messages", len(payload.MessageIDs))
	}
	return nil
}
