package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/insaiyann/Accepticon-sub000/internal/audio"
	"github.com/insaiyann/Accepticon-sub000/internal/diagram"
	"github.com/insaiyann/Accepticon-sub000/internal/extract"
	"github.com/insaiyann/Accepticon-sub000/internal/pipeline"
	"github.com/insaiyann/Accepticon-sub000/internal/queue"
	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB, JSON bodies may carry base64 images
const maxUploadBodySize = 25 << 20  // 25MB, multipart audio and document uploads

// Describer captions images at ingest time so image messages can contribute
// text to later diagram runs.
type Describer interface {
	Describe(ctx context.Context, img []byte, mimeType string) (string, error)
}

type AppDeps struct {
	Store     *storage.Store
	Jobs      *queue.Runner
	Describer Describer // optional; if nil, image messages are stored without a description
	Token     string
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/messages", handleCreateMessage(deps))
		r.Post("/messages/audio", handleUploadAudio(deps))
		r.Get("/messages", handleListMessages(deps))
		r.Get("/messages/{id}", handleGetMessage(deps))
		r.Post("/messages/{id}/transcribe", handleTranscribeMessage(deps))
		r.Post("/import", handleImportDocument(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/diagrams", handleGenerateDiagram(deps))
		r.Get("/diagrams", handleListDiagrams(deps))
		r.Get("/diagrams/latest", handleLatestDiagram(deps))
		r.Get("/diagrams/{id}", handleGetDiagram(deps))
		r.Get("/events", handleEvents(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// messageView is the wire shape of a message. Raw audio and image bytes
// never leave the store through list or show responses.
type messageView struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Processed bool      `json:"processed"`
	Content   string    `json:"content,omitempty"`

	AudioMime           string  `json:"audio_mime,omitempty"`
	DurationMs          int64   `json:"duration_ms,omitempty"`
	Transcription       string  `json:"transcription,omitempty"`
	TranscriptionStatus string  `json:"transcription_status,omitempty"`
	TranscriptionError  string  `json:"transcription_error,omitempty"`
	Confidence          float64 `json:"confidence,omitempty"`

	ImageName   string `json:"image_name,omitempty"`
	ImageMime   string `json:"image_mime,omitempty"`
	ImageSize   int64  `json:"image_size,omitempty"`
	Description string `json:"description,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func messageViewOf(m storage.Message) messageView {
	v := messageView{
		ID:        m.ID,
		Kind:      string(m.Kind),
		Timestamp: m.Timestamp,
		Processed: m.Processed,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	switch m.Kind {
	case storage.KindAudio:
		v.AudioMime = m.AudioMime
		v.DurationMs = m.Duration.Milliseconds()
		v.Transcription = m.Transcription
		v.TranscriptionStatus = string(m.TranscriptionStatus)
		v.TranscriptionError = m.TranscriptionError
		v.Confidence = m.TranscriptionConfidence
	case storage.KindImage:
		v.ImageName = m.ImageName
		v.ImageMime = m.ImageMime
		v.ImageSize = m.ImageSize
		v.Description = m.Description
	}
	return v
}

type jobView struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	SubjectID  string    `json:"subject_id"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	RunAfter   time.Time `json:"run_after"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func jobViewOf(j storage.Job) jobView {
	return jobView{
		ID:         j.ID,
		Type:       string(j.Type),
		SubjectID:  j.SubjectID,
		Status:     string(j.Status),
		RetryCount: j.RetryCount,
		MaxRetries: j.MaxRetries,
		RunAfter:   j.RunAfter,
		LastError:  j.LastError,
		CreatedAt:  j.CreatedAt,
		UpdatedAt:  j.UpdatedAt,
	}
}

type diagramView struct {
	ID          string    `json:"id"`
	InputHash   string    `json:"input_hash"`
	MessageIDs  []string  `json:"message_ids"`
	Code        string    `json:"code"`
	Title       string    `json:"title,omitempty"`
	Kind        string    `json:"kind"`
	GeneratedAt time.Time `json:"generated_at"`
}

func diagramViewOf(d storage.DiagramEntry) diagramView {
	return diagramView{
		ID:          d.ID,
		InputHash:   d.InputHash,
		MessageIDs:  d.MessageIDs,
		Code:        d.GeneratedCode,
		Title:       d.Title,
		Kind:        d.DiagramKind,
		GeneratedAt: d.GeneratedAt,
	}
}

type CreateMessageRequest struct {
	Kind      string     `json:"kind"`
	Content   string     `json:"content"`
	Image     string     `json:"image"` // base64
	ImageName string     `json:"image_name"`
	MimeType  string     `json:"mime_type"`
	Timestamp *time.Time `json:"timestamp"`
}

func handleCreateMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Kind == "" {
			req.Kind = string(storage.KindText)
		}

		msg := storage.Message{
			ID:        uuid.New().String(),
			Timestamp: time.Now().UTC(),
		}
		if req.Timestamp != nil {
			msg.Timestamp = req.Timestamp.UTC()
		}

		switch storage.MessageKind(req.Kind) {
		case storage.KindText:
			if strings.TrimSpace(req.Content) == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required for text messages")
				return
			}
			msg.Kind = storage.KindText
			msg.Content = req.Content

		case storage.KindImage:
			if req.Image == "" {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "image is required for image messages")
				return
			}
			img, err := base64.StdEncoding.DecodeString(req.Image)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 image")
				return
			}
			msg.Kind = storage.KindImage
			msg.Image = img
			msg.ImageName = req.ImageName
			msg.ImageSize = int64(len(img))
			msg.ImageMime = req.MimeType
			if msg.ImageMime == "" {
				msg.ImageMime = http.DetectContentType(img)
			}
			if deps.Describer != nil {
				desc, err := deps.Describer.Describe(r.Context(), img, msg.ImageMime)
				if err != nil {
					slog.Warn("api: image description failed", "message_id", msg.ID, "error", err)
				} else {
					msg.Description = desc
				}
			}

		case storage.KindAudio:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "audio messages go through POST /api/messages/audio")
			return

		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown message kind %q", req.Kind)
			return
		}

		if err := deps.Store.SaveMessage(msg); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save message: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":     msg.ID,
			"status": "stored",
		})
	}
}

func handleUploadAudio(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field %q is required: %v", "file", err)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}
		if len(data) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "uploaded file is empty")
			return
		}

		mimeType := r.FormValue("mime_type")
		if mimeType == "" {
			mimeType = header.Header.Get("Content-Type")
		}
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = http.DetectContentType(data)
		}

		msg := storage.Message{
			ID:        uuid.New().String(),
			Kind:      storage.KindAudio,
			Timestamp: time.Now().UTC(),
			Audio:     data,
			AudioMime: mimeType,
		}
		if ts := r.FormValue("timestamp"); ts != "" {
			parsed, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid timestamp: %v", err)
				return
			}
			msg.Timestamp = parsed.UTC()
		}
		if hdr, err := audio.ParseHeader(data); err == nil {
			msg.Duration = hdr.Duration()
		}

		if err := deps.Store.SaveMessage(msg); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save message: %v", err)
			return
		}

		jobID, err := deps.Jobs.Enqueue(storage.JobAudioTranscription, msg.ID, pipeline.TranscribePayload{MessageID: msg.ID})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saved message but failed to enqueue transcription: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":     msg.ID,
			"job_id": jobID,
			"status": "queued",
		})
	}
}

func handleListMessages(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 200)
		offset := parseIntParam(r, "offset", 0, 0)

		msgs, err := deps.Store.ListMessages(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list messages: %v", err)
			return
		}

		views := make([]messageView, len(msgs))
		for i, m := range msgs {
			views[i] = messageViewOf(m)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleGetMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		msg, err := deps.Store.GetMessage(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "message not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get message: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(messageViewOf(msg))
	}
}

func handleTranscribeMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		msg, err := deps.Store.GetMessage(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "message not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get message: %v", err)
			return
		}
		if msg.Kind != storage.KindAudio {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message %s is not an audio message", id)
			return
		}

		jobID, err := deps.Jobs.Enqueue(storage.JobAudioTranscription, msg.ID, pipeline.TranscribePayload{MessageID: msg.ID})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue transcription: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"job_id": jobID,
			"status": "queued",
		})
	}
}

func handleImportDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field %q is required: %v", "file", err)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}

		text, err := extract.TextFromBytes(r.Context(), data, header.Header.Get("Content-Type"), header.Filename)
		if errors.Is(err, extract.ErrUnsupported) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported document type: %v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "could not extract text: %v", err)
			return
		}

		msg := storage.Message{
			ID:        uuid.New().String(),
			Kind:      storage.KindText,
			Timestamp: time.Now().UTC(),
			Content:   text,
		}
		if err := deps.Store.SaveMessage(msg); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save message: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"id":     msg.ID,
			"status": "stored",
		})
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := storage.JobStatus(r.URL.Query().Get("status"))
		switch status {
		case "", storage.JobPending, storage.JobProcessing, storage.JobCompleted, storage.JobFailed:
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown job status %q", status)
			return
		}

		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		jobs, err := deps.Store.ListJobs(status, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		views := make([]jobView, len(jobs))
		for i, j := range jobs {
			views[i] = jobViewOf(j)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jobViewOf(job))
	}
}

type GenerateDiagramRequest struct {
	MessageIDs []string        `json:"message_ids"`
	Options    diagram.Options `json:"options"`
}

func handleGenerateDiagram(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req GenerateDiagramRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.MessageIDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "message_ids is required and must not be empty")
			return
		}

		msgs, err := deps.Store.GetMessagesByIDs(req.MessageIDs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load messages: %v", err)
			return
		}
		found := make(map[string]bool, len(msgs))
		for _, m := range msgs {
			found[m.ID] = true
		}
		for _, id := range req.MessageIDs {
			if !found[id] {
				httpError(w, http.StatusNotFound, "not_found", "message %s not found", id)
				return
			}
		}

		jobID, err := deps.Jobs.Enqueue(storage.JobDiagramGeneration, pipeline.DiagramSubject(req.MessageIDs),
			pipeline.DiagramPayload{MessageIDs: req.MessageIDs, Options: req.Options})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue diagram generation: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"job_id": jobID,
			"status": "queued",
		})
	}
}

func handleListDiagrams(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		entries, err := deps.Store.ListDiagrams(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list diagrams: %v", err)
			return
		}

		views := make([]diagramView, len(entries))
		for i, d := range entries {
			views[i] = diagramViewOf(d)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleLatestDiagram(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids := splitIDList(r.URL.Query().Get("ids"))
		if len(ids) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ids query parameter is required")
			return
		}

		entry, err := deps.Store.LatestDiagramForSet(ids)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "no diagram for this message set")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get diagram: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(diagramViewOf(entry))
	}
}

func handleGetDiagram(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		entry, err := deps.Store.GetDiagram(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "diagram not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get diagram: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(diagramViewOf(entry))
	}
}

func splitIDList(raw string) []string {
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
