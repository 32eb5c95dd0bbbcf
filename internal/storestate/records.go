// Package storestate defines the persisted records of the replication
// control plane: which Controller ran, which Jobs it hosted, which
// per-worker requests each Job issued, and the structured event log
// operational tooling reads.
package storestate

import "time"

// ControllerRecord is one Controller process lifetime.
type ControllerRecord struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	Host      string    `json:"host"`
}

// Param is one (name, value) pair of a job's extended persistent state.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// JobRecord is the persisted row for one replica Job.
type JobRecord struct {
	ID            string     `json:"id"`
	ControllerID  string     `json:"controller_id"`
	ParentID      string     `json:"parent_id,omitempty"`
	Kind          string     `json:"kind"`
	State         string     `json:"state"`
	ExtendedState string     `json:"extended_state,omitempty"`
	Priority      int        `json:"priority"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	Params        []Param    `json:"params,omitempty"`
}

// RequestRecord is the persisted row for one per-worker request.
type RequestRecord struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	Worker     string     `json:"worker"`
	State      string     `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// EventRecord is one entry of the append-only controller event log.
type EventRecord struct {
	ControllerID string    `json:"controller_id"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         string    `json:"kind"`
	Payload      string    `json:"payload,omitempty"`
}
