package respond

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv/internal/common"
	"github.com/lsst/qserv/internal/merger"
	"github.com/lsst/qserv/internal/proto"
)

// memLoader collects bulk-loaded bytes in memory.
type memLoader struct {
	mu      sync.Mutex
	created bool
	loaded  []byte
}

func (l *memLoader) CreateTable(table string, columnDefs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = true
	return nil
}

func (l *memLoader) Load(table string, data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = append(l.loaded, data...)
	return len(data), nil
}

func (l *memLoader) contents() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.loaded)
}

func newTestRequester(jobID, attempt int) (*Requester, *memLoader) {
	loader := &memLoader{}
	sink := merger.NewInfileMerger(loader, "result_314", "BIGINT", common.GetLogger())
	return NewRequester(sink, jobID, attempt, common.GetLogger()), loader
}

// drive feeds stream into r the way the transport would: fill the issued
// buffer, flush, repeat. last is signaled on the flush that exhausts stream.
func drive(t *testing.T, r *Requester, stream []byte) bool {
	t.Helper()
	for !r.Finished() {
		buf := r.NextBuffer()
		if len(buf) == 0 {
			t.Fatalf("requester issued empty buffer in state %s", r.CurrentState())
		}
		n := copy(buf, stream)
		stream = stream[n:]
		last := len(stream) == 0
		if !r.Flush(n, last) {
			return false
		}
		if last {
			return true
		}
	}
	return true
}

func oneRowBody(t *testing.T, withSchema bool) []byte {
	t.Helper()
	resp := &proto.WorkerResponse{
		Rows: [][]proto.Cell{{{Data: "a"}, {Data: "42"}}},
	}
	if withSchema {
		resp.Schema = []proto.Column{
			{Name: "s", SQLType: "VARCHAR(8)", IsString: true},
			{Name: "n", SQLType: "INT"},
		}
	}
	body, err := proto.MarshalBody(resp)
	require.NoError(t, err)
	return body
}

func TestSingleFragmentHappyPath(t *testing.T) {
	r, loader := newTestRequester(1, 1)

	ok := drive(t, r, proto.EncodeFragment(oneRowBody(t, true)))
	assert.True(t, ok)
	assert.Equal(t, StateBufferDrain, r.CurrentState())
	assert.True(t, r.Finished())
	assert.Nil(t, r.Error())
	assert.Equal(t, "1\t1\t'a'\t42\n", loader.contents())
}

func TestMultiFragmentStream(t *testing.T) {
	r, loader := newTestRequester(2, 1)

	stream := append(proto.EncodeFragment(oneRowBody(t, true)), proto.EncodeFragment(oneRowBody(t, false))...)
	ok := drive(t, r, stream)
	assert.True(t, ok)
	assert.Equal(t, StateBufferDrain, r.CurrentState())
	assert.Equal(t, "2\t1\t'a'\t42\n2\t1\t'a'\t42\n", loader.contents())
}

func TestMD5MismatchIsTerminal(t *testing.T) {
	r, _ := newTestRequester(1, 1)

	frame := proto.EncodeFragment(oneRowBody(t, true))
	// Zero the digest inside the framed header.
	for i := 1 + 8; i < 1+proto.HeaderFixedSize; i++ {
		frame[i] = 0
	}

	ok := drive(t, r, frame)
	assert.False(t, ok)
	assert.Equal(t, StateResultErr, r.CurrentState())
	require.NotNil(t, r.Error())
	assert.Contains(t, r.Error().Msg, "md5")
}

func TestGarbageHeaderIsHeaderErr(t *testing.T) {
	r, _ := newTestRequester(1, 1)

	frame := proto.EncodeFragment(oneRowBody(t, true))
	frame[1] = 0xff // corrupt the protocol revision

	ok := drive(t, r, frame)
	assert.False(t, ok)
	assert.Equal(t, StateHeaderErr, r.CurrentState())
}

func TestEmptyLastFlushDrainsWithoutMerger(t *testing.T) {
	r, loader := newTestRequester(1, 1)

	assert.True(t, r.Flush(0, true))
	assert.Equal(t, StateBufferDrain, r.CurrentState())
	assert.False(t, loader.created)
	assert.Empty(t, loader.contents())
}

func TestShortFlushWithoutLastFails(t *testing.T) {
	r, _ := newTestRequester(1, 1)

	frame := proto.EncodeFragment(oneRowBody(t, true))
	buf := r.NextBuffer()
	copy(buf, frame)
	require.True(t, r.Flush(1, false))

	// Header state now expects HeaderFixedSize bytes; deliver fewer.
	assert.False(t, r.Flush(proto.HeaderFixedSize-2, false))
	assert.Equal(t, StateHeaderErr, r.CurrentState())
}

func TestResetOnlyBeforeFirstMerge(t *testing.T) {
	r, _ := newTestRequester(1, 1)

	// Untouched pipeline resets freely.
	assert.True(t, r.Reset())

	ok := drive(t, r, proto.EncodeFragment(oneRowBody(t, true)))
	require.True(t, ok)

	// Rows reached the loader; the pipeline can no longer rewind.
	assert.False(t, r.Reset())
	assert.Equal(t, StateBufferDrain, r.CurrentState())
}

func TestCancelWinsOverFlush(t *testing.T) {
	r, _ := newTestRequester(1, 1)

	r.Cancel()
	assert.False(t, r.Flush(1, false))
	require.NotNil(t, r.Error())
}

func TestCancelFiresTokenOnce(t *testing.T) {
	r, _ := newTestRequester(1, 1)

	var fired int
	r.Token().Arm(func() { fired++ })

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fired)
}

func TestErrorFlushTerminates(t *testing.T) {
	r, _ := newTestRequester(1, 1)

	r.ErrorFlush("connection reset", 104)
	assert.True(t, r.Finished())
	assert.Equal(t, StateResultErr, r.CurrentState())
	assert.Contains(t, r.Error().Msg, "connection reset")
}
