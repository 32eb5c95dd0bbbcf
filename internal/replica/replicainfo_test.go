package replica

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func baseReplica() ReplicaInfo {
	return ReplicaInfo{
		Worker:   "worker-a",
		Database: "LSST",
		Chunk:    100,
		Status:   ReplicaComplete,
		Files: []FileInfo{
			{Name: "chunk_100.data", Size: 1000, Mtime: time.Unix(1700000000, 0), Checksum: "abc"},
			{Name: "chunk_100.idx", Size: 64, Mtime: time.Unix(1700000000, 0), Checksum: "def"},
		},
	}
}

func TestReplicaDiffEqual(t *testing.T) {
	d := NewReplicaDiff(baseReplica(), baseReplica())
	assert.False(t, d.NotEqual())
	assert.Equal(t, "EQUAL", d.Flags2String())
}

func TestReplicaDiffFileSize(t *testing.T) {
	observed := baseReplica()
	observed.Files[0].Size = 1001

	d := NewReplicaDiff(baseReplica(), observed)
	assert.True(t, d.NotEqual())
	assert.True(t, d.FileSizeMismatch)
	assert.True(t, strings.HasPrefix(d.Flags2String(), "DIFF"))
	assert.False(t, d.StatusMismatch)
	assert.False(t, d.FileCountMismatch)
}

func TestReplicaDiffStatusAndNames(t *testing.T) {
	observed := baseReplica()
	observed.Status = ReplicaIncomplete
	observed.Files[1].Name = "chunk_100.idx2"

	d := NewReplicaDiff(baseReplica(), observed)
	assert.True(t, d.StatusMismatch)
	assert.True(t, d.FileNamesMismatch)
	assert.False(t, d.FileCountMismatch)
}

func TestReplicaDiffChecksumOnlyWhenBothPresent(t *testing.T) {
	persisted := baseReplica()
	persisted.Files[0].Checksum = ""
	observed := baseReplica()
	observed.Files[0].Checksum = "zzz"

	d := NewReplicaDiff(persisted, observed)
	assert.False(t, d.FileChecksumMismatch)

	persisted.Files[0].Checksum = "abc"
	d = NewReplicaDiff(persisted, observed)
	assert.True(t, d.FileChecksumMismatch)
}

func TestReplicaDiffMtime(t *testing.T) {
	observed := baseReplica()
	observed.Files[0].Mtime = observed.Files[0].Mtime.Add(time.Second)

	d := NewReplicaDiff(baseReplica(), observed)
	assert.True(t, d.FileMtimeMismatch)
	assert.False(t, d.FileSizeMismatch)
}

func TestTablesForRegular(t *testing.T) {
	spec := TableSpec{Database: "Obj", Table: "Filter"}
	assert.Equal(t, []string{"Filter"}, spec.tablesFor([]int{100, 200}))
}

func TestTablesForPartitioned(t *testing.T) {
	spec := TableSpec{Database: "Obj", Table: "Object", Partitioned: true}
	tables := spec.tablesFor([]int{100, 200, 300})
	assert.Equal(t, []string{"Object_100", "Object_200", "Object_300", "Object_1234567890"}, tables)
}

func TestTablesForPartitionedWithOverlap(t *testing.T) {
	spec := TableSpec{Database: "Obj", Table: "Object", Partitioned: true, Overlap: true}
	tables := spec.tablesFor([]int{100})
	assert.Equal(t, []string{
		"Object_100", "Object_1234567890",
		"ObjectFullOverlap_100", "ObjectFullOverlap_1234567890",
	}, tables)
}

func TestBatchTables(t *testing.T) {
	tables := []string{"a", "b", "c", "d"}
	batches := batchTables(tables, 3)
	assert.Len(t, batches, 2)
	assert.Equal(t, []string{"a", "b", "c"}, batches[0])
	assert.Equal(t, []string{"d"}, batches[1])

	assert.Len(t, batchTables(tables, 10), 1)
	assert.Len(t, batchTables(nil, 3), 0)
}
