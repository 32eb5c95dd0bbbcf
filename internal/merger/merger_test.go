package merger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv/internal/common"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/qerror"
)

// fakeLoader records everything it is asked to load. maxPerLoad simulates a
// connector that consumes the staging buffer in pieces.
type fakeLoader struct {
	createdTable string
	columnDefs   []string
	loaded       []byte
	maxPerLoad   int
	failLoad     bool
}

func (f *fakeLoader) CreateTable(table string, columnDefs []string) error {
	f.createdTable = table
	f.columnDefs = columnDefs
	return nil
}

func (f *fakeLoader) Load(table string, data []byte) (int, error) {
	if f.failLoad {
		return -1, nil
	}
	n := len(data)
	if f.maxPerLoad > 0 && n > f.maxPerLoad {
		n = f.maxPerLoad
	}
	f.loaded = append(f.loaded, data[:n]...)
	return n, nil
}

func testSchema() []proto.Column {
	return []proto.Column{
		{Name: "a", SQLType: "VARCHAR(16)", IsString: true},
		{Name: "b", SQLType: "INT"},
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	inputs := []string{
		"",
		"plain",
		"tab\there",
		"line\nbreak",
		"null\x00byte",
		"back\\slash",
		"\b\r\x1a",
		`literal \N token`,
		"every\x00\b\n\r\t\x1a\\one",
	}
	for _, in := range inputs {
		out, err := Unescape(Escape(in))
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEscapedOutputHasNoFramingBytes(t *testing.T) {
	esc := Escape("a\tb\nc")
	assert.NotContains(t, esc, "\t")
	assert.NotContains(t, esc, "\n")
}

func TestUnescapeRejectsBadEscapes(t *testing.T) {
	_, err := Unescape(`dangling\`)
	assert.Error(t, err)
	_, err = Unescape(`\q`)
	assert.Error(t, err)
}

func TestMergeFirstFragmentCreatesTable(t *testing.T) {
	loader := &fakeLoader{}
	m := NewInfileMerger(loader, "result_314", "BIGINT", common.GetLogger())

	resp := &proto.WorkerResponse{
		Schema: testSchema(),
		Rows:   [][]proto.Cell{{{Data: "a"}, {Data: "42"}}},
	}

	require.NoError(t, m.Merge(resp, 1, 1))
	require.NoError(t, m.Finalize())

	assert.Equal(t, "result_314", loader.createdTable)
	require.Len(t, loader.columnDefs, 4)
	assert.Equal(t, "`jobId` BIGINT NOT NULL", loader.columnDefs[0])
	assert.Equal(t, "`attempt` INT NOT NULL", loader.columnDefs[1])

	assert.Equal(t, "1\t1\t'a'\t42\n", string(loader.loaded))
	assert.True(t, m.Dirty())
	assert.Equal(t, int64(1), m.Rows())
}

func TestMergeNullAndEscapedCells(t *testing.T) {
	loader := &fakeLoader{}
	m := NewInfileMerger(loader, "result_1", "", common.GetLogger())

	resp := &proto.WorkerResponse{
		Schema: testSchema(),
		Rows:   [][]proto.Cell{{{Null: true}, {Data: "7"}}, {{Data: "x\ty"}, {Data: "8"}}},
	}
	require.NoError(t, m.Merge(resp, 3, 2))
	require.NoError(t, m.Finalize())

	lines := strings.Split(strings.TrimSuffix(string(loader.loaded), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `3	2	\N	7`, lines[0])
	assert.Equal(t, "3\t2\t'x\\ty'\t8", lines[1])
}

func TestMergeSchemaDriftIsFatal(t *testing.T) {
	loader := &fakeLoader{}
	m := NewInfileMerger(loader, "result_1", "", common.GetLogger())

	require.NoError(t, m.Merge(&proto.WorkerResponse{Schema: testSchema()}, 1, 1))

	drifted := []proto.Column{{Name: "a", SQLType: "TEXT", IsString: true}, {Name: "b", SQLType: "INT"}}
	err := m.Merge(&proto.WorkerResponse{Schema: drifted}, 1, 1)
	require.Error(t, err)
	assert.Equal(t, qerror.CodeSchemaMismatch, m.Error().Code)

	// Once failed, every later merge reports the same first error.
	err2 := m.Merge(&proto.WorkerResponse{Rows: [][]proto.Cell{{{Data: "a"}, {Data: "1"}}}}, 1, 1)
	assert.Equal(t, err, err2)
}

func TestMergeNegativeLoadIsFatal(t *testing.T) {
	loader := &fakeLoader{failLoad: true}
	m := NewInfileMerger(loader, "result_1", "", common.GetLogger())

	resp := &proto.WorkerResponse{
		Schema: testSchema(),
		Rows:   [][]proto.Cell{{{Data: "a"}, {Data: "1"}}},
	}
	err := m.Merge(resp, 1, 1)
	require.Error(t, err)
	assert.Equal(t, qerror.CodeLoadFatal, m.Error().Code)
	assert.False(t, m.Dirty())
}

func TestFinalizeDrainsPartialConsumes(t *testing.T) {
	loader := &fakeLoader{maxPerLoad: 3}
	m := NewInfileMerger(loader, "result_1", "", common.GetLogger())

	resp := &proto.WorkerResponse{
		Schema: testSchema(),
		Rows:   [][]proto.Cell{{{Data: "abc"}, {Data: "123"}}},
	}
	require.NoError(t, m.Merge(resp, 1, 1))
	require.NoError(t, m.Finalize())
	assert.Equal(t, "1\t1\t'abc'\t123\n", string(loader.loaded))
}
