package replica

import (
	"context"

	"github.com/lsst/qserv/internal/storestate"
)

// SQLResult is one query's outcome on a worker.
type SQLResult struct {
	Query string
	Error string     // empty on success
	Rows  [][]string // result rows for queries that return any
	Cols  []string   // column names for Rows
}

// WorkerService is the RPC surface the control plane drives. Implementations
// wrap the transport to the worker fleet; requests are independent and
// idempotent under retry.
type WorkerService interface {
	// ExecuteSQL runs queries on worker in order, returning one result per
	// query. A per-query failure is reported in its result, not as an
	// error; the error return covers transport-level failures only.
	ExecuteSQL(ctx context.Context, worker string, queries []string) ([]SQLResult, error)

	// WorkerChunks lists the chunks of database materialized on worker.
	WorkerChunks(ctx context.Context, worker, database string) ([]int, error)

	// FindReplica reports the current on-disk state of one replica.
	FindReplica(ctx context.Context, worker, database string, chunk int) (*ReplicaInfo, error)

	// MoveChunk transfers one chunk replica between workers.
	MoveChunk(ctx context.Context, database string, chunk int, fromWorker, toWorker string) error

	// Stop asks worker to abandon any in-flight request for jobID. Fire and
	// forget: errors are logged, never retried.
	Stop(ctx context.Context, worker, jobID string) error
}

// Registry is the per-(job, worker) duplicate-suppression surface. The
// Badger-backed implementation lives in storestate/badger; tests use an
// in-memory one.
type Registry interface {
	TryRegister(jobID, worker, kind string) (bool, error)
	Release(jobID, worker, kind string) error
	Clear(jobID string) error
}

// JobPersistence is the slice of relational storage a Job writes through.
// The SQLite-backed implementation lives in storestate/sqlite.
type JobPersistence interface {
	SaveJob(ctx context.Context, rec *storestate.JobRecord) error
	UpdateJobState(ctx context.Context, jobID, state, extendedState string) error
	SaveRequest(ctx context.Context, rec *storestate.RequestRecord) error
	UpdateRequestState(ctx context.Context, requestID, state string, finished bool) error
}

// EventSink records structured controller events for operational tooling.
type EventSink interface {
	Append(controllerID, kind, payload string) error
}
