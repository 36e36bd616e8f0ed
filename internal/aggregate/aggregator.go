package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

// ErrNoContent is returned when no message contributes any usable text.
var ErrNoContent = errors.New("messages contain no usable content")

// Compose flattens messages into a single text block ordered by message
// timestamp, with slice order breaking ties. Text messages contribute their
// content verbatim, audio messages their transcription when recognition
// succeeded and a duration placeholder otherwise, image messages their
// description or nothing at all.
func Compose(messages []storage.Message) (string, error) {
	ordered := make([]storage.Message, len(messages))
	copy(ordered, messages)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	var parts []string
	for _, m := range ordered {
		part := render(m)
		if strings.TrimSpace(part) == "" {
			continue
		}
		parts = append(parts, part)
	}

	out := strings.TrimSpace(strings.Join(parts, "\n\n"))
	if out == "" {
		return "", ErrNoContent
	}
	return out, nil
}

func render(m storage.Message) string {
	switch m.Kind {
	case storage.KindText:
		return m.Content
	case storage.KindAudio:
		if m.TranscriptionStatus == storage.TranscriptionRecognized && strings.TrimSpace(m.Transcription) != "" {
			return m.Transcription
		}
		return fmt.Sprintf("[audio: %s, transcription unavailable]", m.Duration.Round(time.Second))
	case storage.KindImage:
		return m.Description
	default:
		return ""
	}
}
