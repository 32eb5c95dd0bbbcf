package replica

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lsst/qserv/internal/common"
	"github.com/lsst/qserv/internal/qerror"
	"github.com/lsst/qserv/internal/storestate"
)

// DummyChunk is the per-table sentinel chunk used as a schema carrier.
// DDL fan-outs touch it even when it holds no rows.
const DummyChunk = 1234567890

// TableSpec names the target of a fleet-wide DDL operation.
type TableSpec struct {
	Database    string `validate:"required"`
	Table       string `validate:"required"`
	Partitioned bool
	Overlap     bool
}

// tablesFor enumerates the concrete MySQL tables the operation touches on a
// worker owning chunks: the base table for regular tables; every chunk
// table plus the dummy chunk for partitioned ones, and the overlap variants
// when requested.
func (s TableSpec) tablesFor(chunks []int) []string {
	if !s.Partitioned {
		return []string{s.Table}
	}
	all := append(append([]int(nil), chunks...), DummyChunk)
	tables := make([]string, 0, 2*len(all))
	for _, chunk := range all {
		tables = append(tables, fmt.Sprintf("%s_%d", s.Table, chunk))
	}
	if s.Overlap {
		for _, chunk := range all {
			tables = append(tables, fmt.Sprintf("%sFullOverlap_%d", s.Table, chunk))
		}
	}
	return tables
}

// batchTables splits tables into runs of at most size.
func batchTables(tables []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for len(tables) > 0 {
		n := size
		if n > len(tables) {
			n = len(tables)
		}
		out = append(out, tables[:n])
		tables = tables[n:]
	}
	return out
}

// sqlJob is the shared fan-out engine of the DDL jobs: it walks every
// enabled worker, enumerates that worker's tables, batches them, and issues
// one request per batch with at most one request outstanding per worker.
type sqlJob struct {
	*baseJob
	spec TableSpec

	// queriesFor builds the statements for one batch of tables.
	queriesFor func(tables []string) []string

	// onResult lets the concrete job aggregate one worker's results.
	// A failure classified non-fatal is tallied as a success.
	onResult func(worker string, results []SQLResult)

	// nonFatal reports whether a per-query failure is reportable but
	// acceptable (e.g. duplicate key under the opt-in).
	nonFatal func(res SQLResult) bool

	cancelled     bool
	requestCounts map[string]int
	successCount  map[string]int
	failureCount  map[string]int
}

func newSQLJob(ctrl *Controller, kind string, spec TableSpec, priority int, notify func(Job)) *sqlJob {
	j := &sqlJob{
		baseJob:       newBaseJob(ctrl, kind, priority, notify),
		spec:          spec,
		requestCounts: make(map[string]int),
		successCount:  make(map[string]int),
		failureCount:  make(map[string]int),
	}
	return j
}

func (j *sqlJob) ExtendedPersistentState() []storestate.Param {
	return []storestate.Param{
		{Name: "database", Value: j.spec.Database},
		{Name: "table", Value: j.spec.Table},
		{Name: "partitioned", Value: fmt.Sprintf("%t", j.spec.Partitioned)},
		{Name: "overlap", Value: fmt.Sprintf("%t", j.spec.Overlap)},
	}
}

func (j *sqlJob) cancelImpl() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
}

func (j *sqlJob) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// startImpl fans one goroutine out per worker; each drives its batches
// sequentially so a worker never sees more than one request of this kind
// in flight.
func (j *sqlJob) startImpl(ctx context.Context) error {
	workers := j.ctrl.Workers()
	if len(workers) == 0 {
		return fmt.Errorf("no enabled workers")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr *qerror.Error

	for _, worker := range workers {
		registered, err := j.ctrl.registry.TryRegister(j.id, worker, j.kind)
		if err != nil {
			return err
		}
		if !registered {
			j.logger.Debug().Str("worker", worker).Msg("Request already registered, skipping")
			continue
		}
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			if err := j.runWorker(ctx, worker); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = qerror.New(qerror.CodeProvisionFailed, "worker %s: %v", worker, err)
				}
				mu.Unlock()
			}
		}(worker)
	}

	go func() {
		wg.Wait()
		j.complete(ctx, firstErr)
	}()
	return nil
}

// runWorker issues every batch for one worker.
func (j *sqlJob) runWorker(ctx context.Context, worker string) error {
	chunks, err := j.ctrl.workerSvc.WorkerChunks(ctx, worker, j.spec.Database)
	if err != nil {
		return fmt.Errorf("failed to list chunks: %w", err)
	}

	tables := j.spec.tablesFor(chunks)
	for _, batch := range batchTables(tables, j.ctrl.batchSize) {
		if j.isCancelled() {
			return nil
		}

		requestID := common.NewRequestID()
		if err := j.ctrl.storage.SaveRequest(ctx, &storestate.RequestRecord{
			ID: requestID, JobID: j.id, Worker: worker, State: "IN_PROGRESS", CreatedAt: time.Now(),
		}); err != nil {
			j.logger.Warn().Err(err).Msg("Failed to persist request")
		}

		j.markBusy(worker)
		results, err := j.ctrl.workerSvc.ExecuteSQL(ctx, worker, j.queriesFor(batch))
		j.markIdle(worker)

		j.mu.Lock()
		j.requestCounts[worker]++
		j.mu.Unlock()

		if err != nil {
			j.persistRequestState(ctx, requestID, "FAILED")
			return err
		}
		j.persistRequestState(ctx, requestID, "SUCCESS")
		j.tally(worker, results)
		if j.onResult != nil {
			j.onResult(worker, results)
		}
	}
	return nil
}

func (j *sqlJob) persistRequestState(ctx context.Context, requestID, state string) {
	if err := j.ctrl.storage.UpdateRequestState(ctx, requestID, state, true); err != nil {
		j.logger.Warn().Err(err).Msg("Failed to persist request state")
	}
}

func (j *sqlJob) tally(worker string, results []SQLResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, res := range results {
		if res.Error == "" || (j.nonFatal != nil && j.nonFatal(res)) {
			j.successCount[worker]++
		} else {
			j.failureCount[worker]++
		}
	}
}

// complete decides the terminal state once every worker goroutine returned.
func (j *sqlJob) complete(ctx context.Context, firstErr *qerror.Error) {
	if j.isCancelled() {
		// Cancel already drove the finish.
		return
	}
	if firstErr != nil {
		j.finish(ctx, ExtFailed, firstErr)
		return
	}
	j.mu.Lock()
	failures := 0
	for _, n := range j.failureCount {
		failures += n
	}
	j.mu.Unlock()
	if failures > 0 {
		j.finish(ctx, ExtFailed, qerror.New(qerror.CodeLoadNonFatal, "%d statements failed", failures))
		return
	}
	j.finish(ctx, ExtSuccess, nil)
}

// RequestCount reports how many requests went to worker.
func (j *sqlJob) RequestCount(worker string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.requestCounts[worker]
}

// Counters returns the per-worker success and failure statement counts.
func (j *sqlJob) Counters(worker string) (succeeded, failed int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.successCount[worker], j.failureCount[worker]
}

// isDuplicateKeyError matches the MySQL duplicate-key diagnostics the
// create-indexes opt-in tolerates.
func isDuplicateKeyError(msg string) bool {
	return strings.Contains(msg, "Duplicate key name") || strings.Contains(msg, "ER_DUP_KEYNAME")
}
