package badger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv/internal/common"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(common.GetLogger(), &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "badger"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRegistrySuppressesDuplicates(t *testing.T) {
	reg := NewRequestRegistry(newTestDB(t), common.GetLogger())

	ok, err := reg.TryRegister("job-1", "worker-a", "SQL_CREATE_INDEXES")
	require.NoError(t, err)
	assert.True(t, ok)

	// Same (job, worker, kind) is suppressed.
	ok, err = reg.TryRegister("job-1", "worker-a", "SQL_CREATE_INDEXES")
	require.NoError(t, err)
	assert.False(t, ok)

	// A different worker or kind is a different slot.
	ok, err = reg.TryRegister("job-1", "worker-b", "SQL_CREATE_INDEXES")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = reg.TryRegister("job-1", "worker-a", "STOP")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegistryReleaseAndClear(t *testing.T) {
	reg := NewRequestRegistry(newTestDB(t), common.GetLogger())

	ok, err := reg.TryRegister("job-1", "worker-a", "FIND_REPLICA")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, reg.Release("job-1", "worker-a", "FIND_REPLICA"))
	ok, err = reg.TryRegister("job-1", "worker-a", "FIND_REPLICA")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = reg.TryRegister("job-1", "worker-b", "FIND_REPLICA")
	require.NoError(t, err)
	require.NoError(t, reg.Clear("job-1"))

	ok, err = reg.TryRegister("job-1", "worker-b", "FIND_REPLICA")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEventLogAppendAndList(t *testing.T) {
	log := NewEventLog(newTestDB(t), common.GetLogger())

	require.NoError(t, log.Append("ctrl-1", "JOB_STARTED", `{"job":"job-1"}`))
	require.NoError(t, log.Append("ctrl-1", "JOB_FINISHED", `{"job":"job-1"}`))
	require.NoError(t, log.Append("ctrl-2", "JOB_STARTED", `{"job":"job-9"}`))

	events, err := log.List("ctrl-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first.
	assert.Equal(t, "JOB_FINISHED", events[0].Kind)
	assert.Equal(t, "JOB_STARTED", events[1].Kind)

	events, err = log.List("ctrl-1", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
