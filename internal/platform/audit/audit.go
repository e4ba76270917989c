// Package audit records access to protected health information.
//
// Every read or write on study, instance, and upload routes produces an
// Event describing who touched which resource and whether the request
// invoked the emergency break-glass override. Events are persisted through
// a Recorder and always mirrored to the structured log; a failed audit
// insert never fails the audited request.
package audit

import (
	"context"
	"sync"
	"time"
)

// Outcome values recorded on events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Event is a single PHI access record.
type Event struct {
	ID               string    `json:"id"`
	Time             time.Time `json:"time"`
	UserID           string    `json:"user_id"`
	Roles            []string  `json:"roles"`
	Action           string    `json:"action"`
	ResourceType     string    `json:"resource_type"`
	ResourceID       string    `json:"resource_id,omitempty"`
	StudyUID         string    `json:"study_uid,omitempty"`
	Outcome          string    `json:"outcome"`
	StatusCode       int       `json:"status_code"`
	BreakGlass       bool      `json:"break_glass"`
	BreakGlassReason string    `json:"break_glass_reason,omitempty"`
	RequestID        string    `json:"request_id,omitempty"`
	IP               string    `json:"ip,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
	Path             string    `json:"path"`
	Method           string    `json:"method"`
}

// Recorder persists audit events. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// RecorderFunc is a function adapter for Recorder.
type RecorderFunc func(ctx context.Context, ev Event) error

func (f RecorderFunc) Record(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Filter narrows audit queries. Zero-valued fields are ignored.
type Filter struct {
	UserID       string
	Action       string
	ResourceType string
	StudyUID     string
	BreakGlass   *bool
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// Log is a Recorder whose events can be queried back.
type Log interface {
	Recorder
	List(ctx context.Context, f Filter) ([]Event, int, error)
}

// MemRecorder keeps events in memory. It backs tests and deployments that
// run without Postgres.
type MemRecorder struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemRecorder() *MemRecorder {
	return &MemRecorder{}
}

func (r *MemRecorder) Record(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of all recorded events in insertion order.
func (r *MemRecorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// List returns events matching the filter, newest first.
func (r *MemRecorder) List(_ context.Context, f Filter) ([]Event, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []Event
	for i := len(r.events) - 1; i >= 0; i-- {
		if eventMatches(r.events[i], f) {
			matched = append(matched, r.events[i])
		}
	}

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = total
	}
	offset := f.Offset
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func eventMatches(ev Event, f Filter) bool {
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.Action != "" && ev.Action != f.Action {
		return false
	}
	if f.ResourceType != "" && ev.ResourceType != f.ResourceType {
		return false
	}
	if f.StudyUID != "" && ev.StudyUID != f.StudyUID {
		return false
	}
	if f.BreakGlass != nil && ev.BreakGlass != *f.BreakGlass {
		return false
	}
	if !f.From.IsZero() && ev.Time.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Time.After(f.To) {
		return false
	}
	return true
}
