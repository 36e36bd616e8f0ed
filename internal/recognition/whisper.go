package recognition

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/insaiyann/Accepticon-sub000/internal/audio"
)

const (
	defaultWhisperModel   = openai.Whisper1
	defaultWhisperTimeout = 60 * time.Second
)

// WhisperBackend transcribes clips through an OpenAI-compatible speech API.
type WhisperBackend struct {
	client     *openai.Client
	httpClient *http.Client
	model      string
	language   string
}

// NewWhisperBackend creates a backend for the given API key. baseURL points
// at an alternative OpenAI-compatible endpoint (empty means api.openai.com),
// model defaults to whisper-1, and language is an optional ISO-639-1 hint.
func NewWhisperBackend(apiKey, baseURL, model, language string) *WhisperBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	httpClient := &http.Client{Timeout: defaultWhisperTimeout}
	cfg.HTTPClient = httpClient

	if model == "" {
		model = defaultWhisperModel
	}
	return &WhisperBackend{
		client:     openai.NewClientWithConfig(cfg),
		httpClient: httpClient,
		model:      model,
		language:   language,
	}
}

func (w *WhisperBackend) Transcribe(ctx context.Context, clip *audio.Normalized) (Transcription, error) {
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		Reader:   bytes.NewReader(clip.Bytes),
		FilePath: "clip.wav",
		Language: w.language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Transcription{}, fmt.Errorf("whisper transcription: %w", err)
	}

	return Transcription{
		Text:       resp.Text,
		Confidence: confidenceFrom(resp),
	}, nil
}

// Release drops pooled connections so the next attempt dials fresh. A stuck
// keep-alive connection otherwise makes every retry fail the same way.
func (w *WhisperBackend) Release(ctx context.Context) error {
	w.httpClient.CloseIdleConnections()
	return nil
}

// confidenceFrom folds the verbose-JSON segment stats into a 0..1 score.
// Whisper reports average token log-probability per segment; exp() of that
// is a usable probability, discounted by the chance the segment was not
// speech at all.
func confidenceFrom(resp openai.AudioResponse) float64 {
	if len(resp.Segments) == 0 {
		return 0
	}

	var sum float64
	for _, seg := range resp.Segments {
		p := math.Exp(seg.AvgLogprob)
		p *= 1 - seg.NoSpeechProb
		sum += p
	}

	conf := sum / float64(len(resp.Segments))
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	return conf
}
