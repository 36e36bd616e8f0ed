package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// MessageKind discriminates the message union.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindAudio MessageKind = "audio"
	KindImage MessageKind = "image"
)

// TranscriptionStatus is the closed set of transcription states an audio
// message (and a recognition result) can be in.
type TranscriptionStatus string

const (
	TranscriptionPending    TranscriptionStatus = "pending"
	TranscriptionRecognized TranscriptionStatus = "recognized"
	TranscriptionNoMatch    TranscriptionStatus = "no_match"
	TranscriptionConvErr    TranscriptionStatus = "conversion_error"
	TranscriptionTimeout    TranscriptionStatus = "timeout"
	TranscriptionRecogErr   TranscriptionStatus = "recognition_error"
)

// JobType is the closed set of queue job types.
type JobType string

const (
	JobAudioTranscription JobType = "audio-transcription"
	JobDiagramGeneration  JobType = "diagram-generation"
)

// JobStatus is the closed set of queue job states. "failed" is terminal.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Message is one conversation item. Kind decides which field groups are
// meaningful; unused groups stay at their zero values.
type Message struct {
	ID        string
	Kind      MessageKind
	Timestamp time.Time
	Processed bool

	// Text messages.
	Content string

	// Audio messages.
	Audio                   []byte
	AudioMime               string
	Duration                time.Duration
	Transcription           string
	TranscriptionStatus     TranscriptionStatus
	TranscriptionError      string
	TranscriptionConfidence float64

	// Image messages.
	Image       []byte
	ImageName   string
	ImageSize   int64
	ImageMime   string
	Description string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Job is one unit of asynchronous work. SubjectID is the message ID the job
// operates on, or the sorted comma-joined set for diagram generation; the
// queue never runs two jobs with the same SubjectID concurrently.
type Job struct {
	ID          string
	Type        JobType
	SubjectID   string
	PayloadJSON string
	Status      JobStatus
	RetryCount  int
	MaxRetries  int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// DiagramEntry is one generated diagram. Rows are immutable; regeneration
// for the same message set inserts a superseding entry.
type DiagramEntry struct {
	ID            string
	InputHash     string
	MessageIDs    []string
	GeneratedCode string
	Title         string
	DiagramKind   string
	GeneratedAt   time.Time
}
