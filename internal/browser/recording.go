package browser

import (
	"context"
	"sync"
)

// RecordingSession wraps a session and keeps the last page source read
// through it, so a live crawl can be saved and replayed with StaticSession.
type RecordingSession struct {
	Session

	mu   sync.Mutex
	last string
}

// NewRecordingSession wraps session
func NewRecordingSession(session Session) *RecordingSession {
	return &RecordingSession{Session: session}
}

// CurrentSource reads from the wrapped session and records the result
func (r *RecordingSession) CurrentSource(ctx context.Context) (string, error) {
	src, err := r.Session.CurrentSource(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.last = src
	r.mu.Unlock()
	return src, nil
}

// LastSource returns the most recent successful snapshot
func (r *RecordingSession) LastSource() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
