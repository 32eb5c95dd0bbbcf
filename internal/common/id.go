package common

import (
	"github.com/google/uuid"
)

// NewJobID generates a unique replica-job identifier with the "job_" prefix.
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}

// NewRequestID generates a unique per-worker request identifier.
// Format: req_<uuid>
func NewRequestID() string {
	return "req_" + uuid.New().String()
}
