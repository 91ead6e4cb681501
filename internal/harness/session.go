package harness

import (
	"sync/atomic"
	"time"
)

// Session numbers the jobs and batches created by one process. Batch numbers
// are unique across all jobs of the session.
type Session struct {
	jobs    atomic.Int64
	batches atomic.Int64
	now     func() time.Time
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithClock replaces time.Now, used for channel name timestamps.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates a session whose first job and batch are number 1.
func NewSession(opts ...SessionOption) *Session {
	s := &Session{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NextJob returns the next job number.
func (s *Session) NextJob() int64 { return s.jobs.Add(1) }

// NextBatch returns the next batch number.
func (s *Session) NextBatch() int64 { return s.batches.Add(1) }

// Now returns the session clock's current time.
func (s *Session) Now() time.Time { return s.now() }
