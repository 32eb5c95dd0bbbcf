package badger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/lsst/qserv/internal/storestate"
)

// storedEvent is an EventRecord flattened for badgerhold queries; the key
// is timestamp-prefixed so key order is emission order.
type storedEvent struct {
	Key          string `badgerhold:"key"`
	ControllerID string
	Timestamp    time.Time
	Kind         string
	Payload      string
}

// EventLog is the append-only record of controller-level happenings:
// job starts, state transitions, worker failures.
type EventLog struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewEventLog creates an event log over db.
func NewEventLog(db *BadgerDB, logger arbor.ILogger) *EventLog {
	return &EventLog{db: db, logger: logger}
}

// Append records one event.
func (l *EventLog) Append(controllerID, kind, payload string) error {
	event := storedEvent{
		Key:          fmt.Sprintf("%020d-%s", time.Now().UnixNano(), uuid.New().String()),
		ControllerID: controllerID,
		Timestamp:    time.Now(),
		Kind:         kind,
		Payload:      payload,
	}
	if err := l.db.Store().Insert(event.Key, &event); err != nil {
		return fmt.Errorf("failed to append %s event: %w", kind, err)
	}
	return nil
}

// List returns the most recent limit events for controllerID, newest first.
func (l *EventLog) List(controllerID string, limit int) ([]storestate.EventRecord, error) {
	var stored []storedEvent
	query := badgerhold.Where("ControllerID").Eq(controllerID).SortBy("Key").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := l.db.Store().Find(&stored, query); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	out := make([]storestate.EventRecord, len(stored))
	for i, s := range stored {
		out[i] = storestate.EventRecord{
			ControllerID: s.ControllerID,
			Timestamp:    s.Timestamp,
			Kind:         s.Kind,
			Payload:      s.Payload,
		}
	}
	return out, nil
}
