package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/insaiyann/Accepticon-sub000/internal/audio"
	"github.com/insaiyann/Accepticon-sub000/internal/queue"
	"github.com/insaiyann/Accepticon-sub000/internal/recognition"
	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

// TranscribePayload names the message a transcription job operates on.
type TranscribePayload struct {
	MessageID string `json:"message_id"`
}

// MessageStore is the slice of storage the transcription processor needs.
type MessageStore interface {
	GetMessage(id string) (storage.Message, error)
	UpdateTranscription(id string, status storage.TranscriptionStatus, text string, confidence float64, errMsg string, duration time.Duration) error
}

// Normalizer converts arbitrary audio into the canonical clip format.
type Normalizer interface {
	Normalize(ctx context.Context, raw []byte, declaredMime string) (*audio.Normalized, error)
}

// Recognizer turns a normalized clip into a transcription result.
type Recognizer interface {
	Recognize(ctx context.Context, clip *audio.Normalized) recognition.Result
}

// Transcriber processes audio-transcription jobs: normalize the clip, run
// recognition, persist the outcome on the message. Retries live inside the
// recognizer, so every failure surfaced from here is terminal for the job;
// the persisted transcription status is the durable record either way.
type Transcriber struct {
	store      MessageStore
	normalizer Normalizer
	recognizer Recognizer
	logger     *slog.Logger
}

// NewTranscriber creates a Transcriber with the given dependencies.
func NewTranscriber(store MessageStore, normalizer Normalizer, recognizer Recognizer) *Transcriber {
	return &Transcriber{
		store:      store,
		normalizer: normalizer,
		recognizer: recognizer,
		logger:     slog.Default(),
	}
}

// Process implements queue.Processor.
func (t *Transcriber) Process(ctx context.Context, job storage.Job) error {
	var payload TranscribePayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("%w: parsing payload: %v", queue.ErrTerminal, err)
	}

	msg, err := t.store.GetMessage(payload.MessageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: message %s not found", queue.ErrTerminal, payload.MessageID)
		}
		return fmt.Errorf("loading message %s: %w", payload.MessageID, err)
	}
	if msg.Kind != storage.KindAudio {
		return fmt.Errorf("%w: message %s is %q, not audio", queue.ErrTerminal, msg.ID, msg.Kind)
	}

	clip, err := t.normalizer.Normalize(ctx, msg.Audio, msg.AudioMime)
	if err != nil {
		var convErr *audio.ConversionError
		if errors.As(err, &convErr) {
			if uerr := t.store.UpdateTranscription(msg.ID, storage.TranscriptionConvErr, "", 0, err.Error(), 0); uerr != nil {
				return fmt.Errorf("recording conversion error for %s: %w", msg.ID, uerr)
			}
			return fmt.Errorf("%w: converting audio for %s: %v", queue.ErrTerminal, msg.ID, err)
		}
		return fmt.Errorf("normalizing audio for %s: %w", msg.ID, err)
	}

	// The normalizer measured the clip even when recognition goes on to
	// fail; persist that duration so placeholders can name it.
	res := t.recognizer.Recognize(ctx, clip)
	if err := t.store.UpdateTranscription(msg.ID, res.Status, res.Text, res.Confidence, res.Err, clip.Duration); err != nil {
		return fmt.Errorf("recording transcription for %s: %w", msg.ID, err)
	}

	switch res.Status {
	case storage.TranscriptionRecognized, storage.TranscriptionNoMatch:
		t.logger.Info("pipeline: transcription finished",
			"message_id", msg.ID, "status", res.Status, "confidence", res.Confidence,
			"duration", res.Duration, "original_format", res.OriginalFormat, "converted", res.ConvertedFormat != "")
		return nil
	default:
		return fmt.Errorf("%w: transcription of %s ended %s: %s", queue.ErrTerminal, msg.ID, res.Status, res.Err)
	}
}
