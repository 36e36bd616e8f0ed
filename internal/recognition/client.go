package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/insaiyann/Accepticon-sub000/internal/audio"
	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	maxBackoff         = 5 * time.Second
)

// Transcription is a backend's raw answer for a single attempt.
type Transcription struct {
	Text       string
	Confidence float64
}

// Backend performs one transcription attempt against a speech service.
type Backend interface {
	Transcribe(ctx context.Context, clip *audio.Normalized) (Transcription, error)
	// Release drops backend session state (pooled connections, handles)
	// so the next attempt starts clean.
	Release(ctx context.Context) error
}

// Result is the final outcome of recognizing one clip. Failures are carried
// in the status, never by panicking or losing the clip: every non-success
// status comes with a non-empty Err message. OriginalFormat is the mime type
// the clip arrived in; ConvertedFormat is set only when normalization had to
// re-encode it.
type Result struct {
	Status          storage.TranscriptionStatus
	Text            string
	Confidence      float64
	OriginalFormat  string
	ConvertedFormat string
	Err             string
	Duration        time.Duration
}

// Client runs transcriptions with retry on transient failures. It has no
// side effects; persisting the outcome is the caller's job.
type Client struct {
	backend     Backend
	maxAttempts int
	baseDelay   time.Duration
}

// NewClient creates a recognition client with the default retry policy:
// three attempts with exponential backoff from 500ms.
func NewClient(backend Backend) *Client {
	return NewClientWithRetry(backend, defaultMaxAttempts, defaultBaseDelay)
}

// NewClientWithRetry creates a client with an explicit retry policy.
func NewClientWithRetry(backend Backend, maxAttempts int, baseDelay time.Duration) *Client {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	return &Client{backend: backend, maxAttempts: maxAttempts, baseDelay: baseDelay}
}

// Recognize transcribes a normalized clip. Transient failures (network
// hiccups, 5xx, timeouts) are retried up to the attempt limit with
// exponential backoff; auth failures and malformed-input errors are not.
// A successful backend answer with no usable text becomes no_match.
func (c *Client) Recognize(ctx context.Context, clip *audio.Normalized) Result {
	res := c.recognize(ctx, clip)
	res.OriginalFormat = clip.SourceMime
	if clip.Converted {
		res.ConvertedFormat = clip.Mime
	}
	res.Duration = clip.Duration
	return res
}

func (c *Client) recognize(ctx context.Context, clip *audio.Normalized) Result {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.backend.Release(ctx); err != nil {
				slog.Warn("recognition: release before retry failed", "error", err)
			}
			backoff := backoffDelay(c.baseDelay, attempt-1)
			select {
			case <-ctx.Done():
				return exhausted(ctx.Err(), attempt-1)
			case <-time.After(backoff):
			}
		}

		tr, err := c.backend.Transcribe(ctx, clip)
		if err == nil {
			text := strings.TrimSpace(tr.Text)
			if text == "" {
				// The backend answered but heard nothing usable.
				return Result{Status: storage.TranscriptionNoMatch, Confidence: tr.Confidence}
			}
			return Result{Status: storage.TranscriptionRecognized, Text: text, Confidence: tr.Confidence}
		}

		if isAuthError(err) {
			return Result{
				Status: storage.TranscriptionRecogErr,
				Err:    fmt.Sprintf("authentication failed: %v", err),
			}
		}
		if !isTransient(err) {
			return Result{
				Status: storage.TranscriptionRecogErr,
				Err:    fmt.Sprintf("transcription failed: %v", err),
			}
		}

		lastErr = err
		slog.Warn("recognition: transient failure", "attempt", attempt, "max_attempts", c.maxAttempts, "error", err)
	}

	return exhausted(lastErr, c.maxAttempts)
}

func exhausted(lastErr error, attempts int) Result {
	msg := fmt.Sprintf("transcription failed after %d attempts: %v", attempts, lastErr)
	if errors.Is(lastErr, context.DeadlineExceeded) || errors.Is(lastErr, context.Canceled) {
		return Result{Status: storage.TranscriptionTimeout, Err: msg}
	}
	return Result{Status: storage.TranscriptionRecogErr, Err: msg}
}

// backoffDelay returns the wait before retry number retry (1-based),
// doubling from base and capped at maxBackoff.
func backoffDelay(base time.Duration, retry int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(retry-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
