package queue

import (
	"time"

	"github.com/insaiyann/Accepticon-sub000/internal/storage"
)

const eventBuffer = 16

// Event describes a job status transition. Subscribers receive one event
// per transition: pending on enqueue and on retry scheduling, processing
// when an attempt starts, completed or failed when the job finishes.
type Event struct {
	JobID      string            `json:"job_id"`
	Type       storage.JobType   `json:"type"`
	SubjectID  string            `json:"subject_id"`
	Status     storage.JobStatus `json:"status"`
	RetryCount int               `json:"retry_count"`
	Error      string            `json:"error,omitempty"`
	At         time.Time         `json:"at"`
}

// Subscribe registers a listener for job events. The returned cancel func
// must be called to release the subscription. Events are dropped for
// subscribers that fall behind rather than blocking the dispatcher.
func (r *Runner) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	r.subMu.Lock()
	r.subs[ch] = struct{}{}
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
		r.subMu.Unlock()
	}
	return ch, cancel
}

func (r *Runner) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Debug("queue: dropping event for slow subscriber", "job_id", ev.JobID, "status", ev.Status)
		}
	}
}
