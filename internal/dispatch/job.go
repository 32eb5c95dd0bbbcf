// Package dispatch owns the czar side of one user query: the Executive that
// fans a query out into per-chunk JobQuery tasks, tracks their completion,
// and squashes the whole fleet on failure or user cancellation.
package dispatch

import (
	"sync"
	"time"

	"github.com/lsst/qserv/internal/qerror"
)

// QueryID identifies one user query.
type QueryID int64

// JobState tracks a task's progress through its lifecycle.
type JobState int

const (
	StateProvision JobState = iota
	StateRequest
	StateResponseReady
	StateComplete
	StateFinished
	StateCancelled
)

func (s JobState) String() string {
	switch s {
	case StateProvision:
		return "PROVISION"
	case StateRequest:
		return "REQUEST"
	case StateResponseReady:
		return "RESPONSE_READY"
	case StateComplete:
		return "COMPLETE"
	case StateFinished:
		return "FINISHED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// JobDescription is the static description of one chunk task: where to send
// it and what to send.
type JobDescription struct {
	JobID    int
	ChunkID  int
	Resource string // worker resource path, e.g. "/chk/LSST/100"
	Payload  []byte
}

// JobStatus is the mutable progress record for one task.
type JobStatus struct {
	mu        sync.Mutex
	state     JobState
	changedAt time.Time
	lastError *qerror.Error
}

// Update records a state transition.
func (s *JobStatus) Update(state JobState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.changedAt = time.Now()
}

// Fail records a state transition carrying an error.
func (s *JobStatus) Fail(state JobState, err *qerror.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.changedAt = time.Now()
	if s.lastError == nil {
		s.lastError = err
	}
}

// State returns the current state.
func (s *JobStatus) State() JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the first error recorded against this task, if any.
func (s *JobStatus) LastError() *qerror.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}
