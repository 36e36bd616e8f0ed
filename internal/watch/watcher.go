package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/insaiyann/Accepticon-sub000/internal/audio"
	"github.com/insaiyann/Accepticon-sub000/internal/extract"
	"github.com/insaiyann/Accepticon-sub000/internal/pipeline"
	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

const (
	defaultSettle = 500 * time.Millisecond
	ingestedDir   = "ingested"
)

// extMimes maps watched file extensions to the mime type recorded on the
// message. Extensions not listed here are ignored.
var extMimes = map[string]string{
	".wav":      "audio/wav",
	".mp3":      "audio/mpeg",
	".m4a":      "audio/mp4",
	".aac":      "audio/aac",
	".ogg":      "audio/ogg",
	".opus":     "audio/opus",
	".webm":     "audio/webm",
	".flac":     "audio/flac",
	".png":      "image/png",
	".jpg":      "image/jpeg",
	".jpeg":     "image/jpeg",
	".gif":      "image/gif",
	".webp":     "image/webp",
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".pdf":      "application/pdf",
	".docx":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// MessageWriter persists ingested messages.
type MessageWriter interface {
	SaveMessage(m storage.Message) error
}

// JobEnqueuer schedules follow-up work for ingested messages.
type JobEnqueuer interface {
	Enqueue(jobType storage.JobType, subjectID string, payload any) (string, error)
}

// Describer captions ingested images. Optional.
type Describer interface {
	Describe(ctx context.Context, img []byte, mimeType string) (string, error)
}

// Watcher turns files dropped into an inbox directory into messages: audio
// becomes an audio message with a transcription job, images become image
// messages (captioned when a describer is configured), and documents become
// text messages. Ingested files move to an ingested/ subdirectory so a
// restart does not process them twice.
type Watcher struct {
	dir       string
	store     MessageWriter
	jobs      JobEnqueuer
	describer Describer
	settle    time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher creates a Watcher for dir. describer may be nil, in which case
// images are stored without a description.
func NewWatcher(dir string, store MessageWriter, jobs JobEnqueuer, describer Describer) *Watcher {
	return &Watcher{
		dir:       dir,
		store:     store,
		jobs:      jobs,
		describer: describer,
		settle:    defaultSettle,
		logger:    slog.Default(),
		pending:   make(map[string]*time.Timer),
	}
}

// Run watches the inbox until ctx is cancelled. Files already present at
// startup are ingested as well.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, ingestedDir), 0o755); err != nil {
		return fmt.Errorf("creating ingested directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watch: watching inbox", "dir", w.dir)

	w.scanExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			w.cancelPending()
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !w.eligible(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch: watcher error", "error", err)
		}
	}
}

func (w *Watcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Error("watch: scanning inbox failed", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if w.eligible(path) {
			w.schedule(ctx, path)
		}
	}
}

// eligible filters out temp files, hidden files, and unknown extensions.
func (w *Watcher) eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") || strings.HasSuffix(base, ".part") {
		return false
	}
	_, ok := extMimes[strings.ToLower(filepath.Ext(base))]
	return ok
}

// schedule (re)arms the settle timer for path. Write events keep pushing the
// timer back, so a file is ingested only once it has stopped growing.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := w.ingest(ctx, path); err != nil {
			w.logger.Error("watch: ingest failed", "path", path, "error", err)
		}
	})
}

func (w *Watcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
}

// ingest reads the settled file, stores it as a message, and moves the file
// aside.
func (w *Watcher) ingest(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		w.logger.Warn("watch: skipping empty file", "path", path)
		return nil
	}

	base := filepath.Base(path)
	mimeType := extMimes[strings.ToLower(filepath.Ext(base))]

	msg := storage.Message{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}

	switch {
	case strings.HasPrefix(mimeType, "audio/"):
		msg.Kind = storage.KindAudio
		msg.Audio = data
		msg.AudioMime = mimeType
		if h, err := audio.ParseHeader(data); err == nil {
			msg.Duration = h.Duration()
		}
	case strings.HasPrefix(mimeType, "image/"):
		msg.Kind = storage.KindImage
		msg.Image = data
		msg.ImageName = base
		msg.ImageSize = int64(len(data))
		msg.ImageMime = mimeType
		if w.describer != nil {
			desc, err := w.describer.Describe(ctx, data, mimeType)
			if err != nil {
				w.logger.Warn("watch: describing image failed", "path", path, "error", err)
			} else {
				msg.Description = desc
			}
		}
	default:
		text, err := extract.TextFromBytes(ctx, data, mimeType, base)
		if err != nil {
			return fmt.Errorf("extracting %s: %w", base, err)
		}
		msg.Kind = storage.KindText
		msg.Content = text
	}

	if err := w.store.SaveMessage(msg); err != nil {
		return fmt.Errorf("saving message for %s: %w", base, err)
	}

	if msg.Kind == storage.KindAudio {
		if _, err := w.jobs.Enqueue(storage.JobAudioTranscription, msg.ID, pipeline.TranscribePayload{MessageID: msg.ID}); err != nil {
			return fmt.Errorf("enqueueing transcription for %s: %w", msg.ID, err)
		}
	}

	dest := filepath.Join(w.dir, ingestedDir, msg.ID+"_"+base)
	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("watch: moving ingested file failed", "path", path, "error", err)
	}

	w.logger.Info("watch: file ingested", "file", base, "kind", msg.Kind, "message_id", msg.ID)
	return nil
}
