package badger

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// registryEntry marks that a request of one kind was queued for a
// (job, worker) pair.
type registryEntry struct {
	Key      string `badgerhold:"key"`
	JobID    string
	Worker   string
	Kind     string
	QueuedAt time.Time
}

// RequestRegistry suppresses duplicate fan-out: a Job may have at most one
// outstanding request of a given kind per worker. The registry survives a
// controller restart, so a resumed job does not re-queue work it already
// issued.
type RequestRegistry struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRequestRegistry creates a registry over db.
func NewRequestRegistry(db *BadgerDB, logger arbor.ILogger) *RequestRegistry {
	return &RequestRegistry{db: db, logger: logger}
}

func registryKey(jobID, worker, kind string) string {
	return jobID + "/" + worker + "/" + kind
}

// TryRegister atomically claims the (job, worker, kind) slot. Returns false
// when a request of that kind is already registered for the pair.
func (r *RequestRegistry) TryRegister(jobID, worker, kind string) (bool, error) {
	key := registryKey(jobID, worker, kind)
	entry := registryEntry{
		Key:      key,
		JobID:    jobID,
		Worker:   worker,
		Kind:     kind,
		QueuedAt: time.Now(),
	}
	err := r.db.Store().Insert(key, &entry)
	if err == badgerhold.ErrKeyExists {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to register request for %s: %w", key, err)
	}
	return true, nil
}

// Release frees the slot so a retry of the same kind can be queued.
func (r *RequestRegistry) Release(jobID, worker, kind string) error {
	key := registryKey(jobID, worker, kind)
	err := r.db.Store().Delete(key, &registryEntry{})
	if err != nil && err != badgerhold.ErrNotFound {
		return fmt.Errorf("failed to release request for %s: %w", key, err)
	}
	return nil
}

// Clear drops every registration belonging to jobID, used when the job
// reaches a terminal state.
func (r *RequestRegistry) Clear(jobID string) error {
	err := r.db.Store().DeleteMatching(&registryEntry{}, badgerhold.Where("JobID").Eq(jobID))
	if err != nil {
		return fmt.Errorf("failed to clear registrations for job %s: %w", jobID, err)
	}
	return nil
}
