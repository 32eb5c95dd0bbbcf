package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/lsst/qserv/internal/replica"
)

// storedReplica carries a ReplicaInfo with the lookup fields the sweep
// queries on lifted to the top level.
type storedReplica struct {
	Key         string `badgerhold:"key"`
	Database    string
	Chunk       int
	InspectedAt time.Time
	Replica     replica.ReplicaInfo
}

func replicaKey(r replica.ReplicaInfo) string {
	return fmt.Sprintf("%s/%s/%d", r.Worker, r.Database, r.Chunk)
}

func wrapReplica(r replica.ReplicaInfo) storedReplica {
	return storedReplica{
		Key:         replicaKey(r),
		Database:    r.Database,
		Chunk:       r.Chunk,
		InspectedAt: r.InspectedAt,
		Replica:     r,
	}
}

// ReplicaStore is the Badger-backed replica inventory the verification
// sweep walks.
type ReplicaStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewReplicaStore creates a store over db.
func NewReplicaStore(db *BadgerDB, logger arbor.ILogger) *ReplicaStore {
	return &ReplicaStore{db: db, logger: logger}
}

// Seed registers a replica that has never been inspected.
func (s *ReplicaStore) Seed(r replica.ReplicaInfo) error {
	entry := wrapReplica(r)
	if err := s.db.Store().Upsert(entry.Key, &entry); err != nil {
		return fmt.Errorf("failed to seed replica %s: %w", entry.Key, err)
	}
	return nil
}

// OldestInspected returns up to n replicas, least recently inspected first.
func (s *ReplicaStore) OldestInspected(ctx context.Context, n int) ([]replica.ReplicaInfo, error) {
	var stored []storedReplica
	query := badgerhold.Where("Key").Ne("").SortBy("InspectedAt").Limit(n)
	if err := s.db.Store().Find(&stored, query); err != nil {
		return nil, fmt.Errorf("failed to list replicas: %w", err)
	}
	out := make([]replica.ReplicaInfo, len(stored))
	for i, entry := range stored {
		out[i] = entry.Replica
	}
	return out, nil
}

// Peers returns every persisted replica of (database, chunk).
func (s *ReplicaStore) Peers(ctx context.Context, database string, chunk int) ([]replica.ReplicaInfo, error) {
	var stored []storedReplica
	query := badgerhold.Where("Database").Eq(database).And("Chunk").Eq(chunk)
	if err := s.db.Store().Find(&stored, query); err != nil {
		return nil, fmt.Errorf("failed to list peers of %s/%d: %w", database, chunk, err)
	}
	out := make([]replica.ReplicaInfo, len(stored))
	for i, entry := range stored {
		out[i] = entry.Replica
	}
	return out, nil
}

// SaveObserved persists a fresh observation, stamping its inspection time.
func (s *ReplicaStore) SaveObserved(ctx context.Context, observed replica.ReplicaInfo) error {
	observed.InspectedAt = time.Now()
	entry := wrapReplica(observed)
	if err := s.db.Store().Upsert(entry.Key, &entry); err != nil {
		return fmt.Errorf("failed to persist observation of %s: %w", entry.Key, err)
	}
	return nil
}
