package merger

import (
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/qerror"
)

// BulkLoader is the connector surface the merger drives. The implementation
// is expected to feed data to MySQL through LOAD DATA LOCAL INFILE from an
// in-process virtual file; the merger only ever sees byte counts back.
type BulkLoader interface {
	// CreateTable creates (or verifies) the result table with the given
	// column definitions, in order.
	CreateTable(table string, columnDefs []string) error

	// Load streams data into table and returns how many bytes it consumed.
	// A short count leaves the remainder with the caller for the next
	// fragment. A negative count signals an unrecoverable connector fault.
	Load(table string, data []byte) (int, error)
}

// InfileMerger is the per-user-query row sink. The first fragment's schema
// pins the result-table shape; every row is written with the provenance
// columns (jobId, attempt) prepended.
type InfileMerger struct {
	mu           sync.Mutex
	loader       BulkLoader
	table        string
	jobIDSQLType string
	logger       arbor.ILogger

	schema  []proto.Column
	staging []byte
	dirty   bool
	rows    int64
	errs    qerror.Box
}

// NewInfileMerger builds a merger for one user query's result table.
// jobIDSQLType is the SQL type of the provenance jobId column; empty
// selects BIGINT.
func NewInfileMerger(loader BulkLoader, table, jobIDSQLType string, logger arbor.ILogger) *InfileMerger {
	if jobIDSQLType == "" {
		jobIDSQLType = "BIGINT"
	}
	return &InfileMerger{
		loader:       loader,
		table:        table,
		jobIDSQLType: jobIDSQLType,
		logger:       logger,
	}
}

// Merge accepts one decoded fragment from the (jobID, attempt) task and
// streams its rows into the result table. The first fragment must carry the
// schema; any later fragment that re-advertises a different schema fails
// the whole query.
func (m *InfileMerger) Merge(resp *proto.WorkerResponse, jobID, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errs.Get(); err != nil {
		return err
	}

	if m.schema == nil {
		if len(resp.Schema) == 0 {
			return m.fail(qerror.New(qerror.CodeSchemaMismatch, "first fragment carries no schema"))
		}
		if err := m.createTable(resp.Schema); err != nil {
			return m.fail(qerror.New(qerror.CodeLoadFatal, "failed to create result table %s: %v", m.table, err))
		}
		m.schema = resp.Schema
	} else if len(resp.Schema) > 0 && !proto.SchemaEqual(m.schema, resp.Schema) {
		return m.fail(qerror.New(qerror.CodeSchemaMismatch, "fragment schema disagrees with result table %s", m.table))
	}

	for i, row := range resp.Rows {
		if len(row) != len(m.schema) {
			return m.fail(qerror.New(qerror.CodeSchemaMismatch, "row %d has %d cells, schema has %d columns", i, len(row), len(m.schema)))
		}
		m.staging = append(m.staging, m.encodeRow(row, jobID, attempt)...)
	}
	m.rows += int64(len(resp.Rows))

	return m.flushStagingLocked()
}

// Finalize drains the staging buffer after the last fragment. It loops until
// the loader has consumed every byte, treating a zero-progress round as a
// connector fault.
func (m *InfileMerger) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.errs.Get(); err != nil {
		return err
	}
	for len(m.staging) > 0 {
		before := len(m.staging)
		if err := m.flushStagingLocked(); err != nil {
			return err
		}
		if len(m.staging) == before {
			return m.fail(qerror.New(qerror.CodeLoadFatal, "loader made no progress with %d bytes staged", before))
		}
	}
	return nil
}

// Dirty reports whether any bytes have been accepted by the loader. Once
// dirty, the receive pipeline must not be reset: rows already loaded cannot
// be retracted.
func (m *InfileMerger) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Rows returns how many result rows have been handed to the merger so far,
// so a failed query can still report its completed-row count.
func (m *InfileMerger) Rows() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows
}

// Error returns the first failure recorded by the merger, if any.
func (m *InfileMerger) Error() *qerror.Error {
	return m.errs.Get()
}

func (m *InfileMerger) fail(err *qerror.Error) *qerror.Error {
	m.errs.Set(err)
	m.logger.Error().Str("table", m.table).Msg(err.Error())
	return m.errs.Get()
}

func (m *InfileMerger) createTable(schema []proto.Column) error {
	defs := make([]string, 0, len(schema)+2)
	defs = append(defs, fmt.Sprintf("`jobId` %s NOT NULL", m.jobIDSQLType))
	defs = append(defs, "`attempt` INT NOT NULL")
	for _, col := range schema {
		null := " NOT NULL"
		if col.Nullable {
			null = ""
		}
		defs = append(defs, fmt.Sprintf("`%s` %s%s", col.Name, col.SQLType, null))
	}
	m.logger.Debug().Str("table", m.table).Int("columns", len(defs)).Msg("Creating result table")
	return m.loader.CreateTable(m.table, defs)
}

// encodeRow renders one row with the provenance columns prepended.
func (m *InfileMerger) encodeRow(row []proto.Cell, jobID, attempt int) []byte {
	out := make([]byte, 0, 32*len(row))
	out = append(out, fmt.Sprintf("%d%s%d", jobID, ColumnSeparator, attempt)...)
	for i, cell := range row {
		out = append(out, ColumnSeparator...)
		out = append(out, encodeCell(cell.Data, cell.Null, m.schema[i].IsString)...)
	}
	out = append(out, RowSeparator...)
	return out
}

func (m *InfileMerger) flushStagingLocked() error {
	if len(m.staging) == 0 {
		return nil
	}
	n, err := m.loader.Load(m.table, m.staging)
	if err != nil || n < 0 {
		return m.fail(qerror.New(qerror.CodeLoadFatal, "bulk load into %s failed (consumed %d): %v", m.table, n, err))
	}
	if n > 0 {
		m.dirty = true
		// Shift the unconsumed remainder to the front for the next fragment.
		m.staging = append(m.staging[:0], m.staging[n:]...)
	}
	return nil
}
