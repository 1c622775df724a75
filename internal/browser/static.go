package browser

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionClosed is returned by a static session after Close
var ErrSessionClosed = errors.New("session closed")

// StaticSession replays captured page sources. Each ScrollToBottom advances
// to the next snapshot; the last snapshot repeats once reached.
type StaticSession struct {
	mu        sync.Mutex
	snapshots []string
	pos       int
	visited   []string
	scrolls   int
	closed    bool
}

// NewStaticSession creates a session over the given snapshots
func NewStaticSession(snapshots ...string) *StaticSession {
	return &StaticSession{snapshots: snapshots}
}

// Navigate records the url and rewinds to the first snapshot
func (s *StaticSession) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.visited = append(s.visited, url)
	s.pos = 0
	return nil
}

// CurrentSource returns the current snapshot
func (s *StaticSession) CurrentSource(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	if len(s.snapshots) == 0 {
		return "", nil
	}
	return s.snapshots[min(s.pos, len(s.snapshots)-1)], nil
}

// ScrollToBottom advances to the next snapshot
func (s *StaticSession) ScrollToBottom(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.scrolls++
	if s.pos < len(s.snapshots)-1 {
		s.pos++
	}
	return nil
}

// Close marks the session closed
func (s *StaticSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Visited returns the urls passed to Navigate
func (s *StaticSession) Visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visited...)
}

// Scrolls returns how many times ScrollToBottom was called
func (s *StaticSession) Scrolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scrolls
}

// Closed reports whether Close was called
func (s *StaticSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
