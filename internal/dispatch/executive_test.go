package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv/internal/common"
	"github.com/lsst/qserv/internal/merger"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/respond"
	"github.com/lsst/qserv/internal/worker"
)

// memLoader collects bulk-loaded bytes in memory.
type memLoader struct {
	mu     sync.Mutex
	loaded []byte
}

func (l *memLoader) CreateTable(table string, columnDefs []string) error { return nil }

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

// scriptedWorker is one fake worker endpoint: the frames it streams, an
// optional gate that holds the stream open after the first frame, and a
// count of provisioning failures to inject first.
type scriptedWorker struct {
	mu             sync.Mutex
	frames         [][]byte
	holdAfterFirst bool
	release        chan struct{}
	provisionFails int
}

type fakeTransport struct {
	mu      sync.Mutex
	workers map[string]*scriptedWorker
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{workers: make(map[string]*scriptedWorker)}
}

func (t *fakeTransport) addWorker(resource string, w *scriptedWorker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w.release == nil {
		w.release = make(chan struct{})
	}
	t.workers[resource] = w
}

func (t *fakeTransport) Provision(ctx context.Context, resource string) (respond.Session, error) {
	t.mu.Lock()
	w, ok := t.workers[resource]
	t.mu.Unlock()
	if !ok {
		return nil, errors.New("no such resource")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.provisionFails > 0 {
		w.provisionFails--
		return nil, errors.New("provisioning failed")
	}
	return &fakeSession{w: w}, nil
}

type fakeSession struct {
	w *scriptedWorker
}

type fakeConversation struct {
	cancel chan struct{}
	once   sync.Once
}

func (c *fakeConversation) Cancel() {
	c.once.Do(func() { close(c.cancel) })
}

func (s *fakeSession) Send(payload []byte, sink respond.Sink) (respond.Conversation, error) {
	conv := &fakeConversation{cancel: make(chan struct{})}
	go s.stream(sink, conv)
	return conv, nil
}

// stream plays the scripted frames into sink the way the transport I/O
// thread would.
func (s *fakeSession) stream(sink respond.Sink, conv *fakeConversation) {
	for i, frame := range s.w.frames {
		rest := frame
		for len(rest) > 0 {
			select {
			case <-conv.cancel:
				return
			default:
			}
			buf := sink.NextBuffer()
			if len(buf) == 0 {
				return
			}
			n := copy(buf, rest)
			rest = rest[n:]
			last := i == len(s.w.frames)-1 && len(rest) == 0 && !s.w.holdAfterFirst
			if !sink.Flush(n, last) {
				return
			}
		}
		if i == 0 && s.w.holdAfterFirst {
			select {
			case <-s.w.release:
			case <-conv.cancel:
				return
			}
		}
	}
}

func frameWithRow(t *testing.T, text string, num string, withSchema bool) []byte {
	t.Helper()
	resp := &proto.WorkerResponse{
		Rows: [][]proto.Cell{{{Data: text}, {Data: num}}},
	}
	if withSchema {
		resp.Schema = []proto.Column{
			{Name: "s", SQLType: "VARCHAR(8)", IsString: true},
			{Name: "n", SQLType: "INT"},
		}
	}
	body, err := proto.MarshalBody(resp)
	require.NoError(t, err)
	return proto.EncodeFragment(body)
}

type testRig struct {
	transport *fakeTransport
	loader    *memLoader
	sink      *merger.InfileMerger
	pool      *worker.Pool
	exec      *Executive
}

func newRig(t *testing.T, queryID QueryID, cfg ExecutiveConfig) *testRig {
	t.Helper()
	logger := common.GetLogger()
	loader := &memLoader{}
	sink := merger.NewInfileMerger(loader, fmt.Sprintf("result_%d", queryID), "BIGINT", logger)
	pool := worker.NewPool(4, logger)
	pool.Start()
	t.Cleanup(pool.Stop)
	transport := newFakeTransport()
	return &testRig{
		transport: transport,
		loader:    loader,
		sink:      sink,
		pool:      pool,
		exec:      NewExecutive(queryID, cfg, transport, sink, pool, logger),
	}
}

func TestSingleChunkHappyPath(t *testing.T) {
	rig := newRig(t, 314, ExecutiveConfig{})
	rig.transport.addWorker("/chk/LSST/314", &scriptedWorker{
		frames: [][]byte{frameWithRow(t, "a", "42", true)},
	})

	_, err := rig.exec.AddJob(JobDescription{JobID: 1, ChunkID: 314, Resource: "/chk/LSST/314", Payload: []byte("SELECT 1 FROM Obj_314")})
	require.NoError(t, err)

	rig.exec.StartAll(context.Background())
	assert.True(t, rig.exec.Wait(context.Background(), 5*time.Second))
	assert.Equal(t, "1\t1\t'a'\t42\n", rig.loader.contents())
	assert.True(t, rig.exec.Success())
}

func TestMD5MismatchRetriesToCapThenFails(t *testing.T) {
	rig := newRig(t, 42, ExecutiveConfig{MaxAttempts: 3, RetryBackoff: 5 * time.Millisecond})

	frame := frameWithRow(t, "a", "42", true)
	for i := 1 + 8; i < 1+proto.HeaderFixedSize; i++ {
		frame[i] = 0
	}
	rig.transport.addWorker("/chk/LSST/100", &scriptedWorker{frames: [][]byte{frame}})

	jq, err := rig.exec.AddJob(JobDescription{JobID: 1, ChunkID: 100, Resource: "/chk/LSST/100", Payload: []byte("q")})
	require.NoError(t, err)

	rig.exec.StartAll(context.Background())
	assert.False(t, rig.exec.Wait(context.Background(), 5*time.Second))

	qe, rows := rig.exec.Error()
	require.NotNil(t, qe)
	assert.Contains(t, qe.Msg, "md5")
	assert.Equal(t, int64(0), rows)
	assert.Equal(t, 3, jq.Attempts())
	assert.Empty(t, rig.loader.contents())
}

func TestSquashMidStream(t *testing.T) {
	rig := newRig(t, 7, ExecutiveConfig{})
	holder := &scriptedWorker{
		frames:         [][]byte{frameWithRow(t, "a", "1", true), frameWithRow(t, "b", "2", false)},
		holdAfterFirst: true,
	}
	rig.transport.addWorker("/chk/LSST/1", holder)

	_, err := rig.exec.AddJob(JobDescription{JobID: 1, ChunkID: 1, Resource: "/chk/LSST/1", Payload: []byte("q")})
	require.NoError(t, err)

	rig.exec.StartAll(context.Background())

	// Wait for the first fragment to land, then squash.
	require.Eventually(t, func() bool {
		return rig.loader.contents() != ""
	}, 5*time.Second, 5*time.Millisecond)
	merged := rig.loader.contents()

	rig.exec.Squash()
	assert.False(t, rig.exec.Wait(context.Background(), 5*time.Second))

	// Rows merged before the squash survive; nothing new arrives after.
	assert.Equal(t, merged, rig.loader.contents())
	for _, jq := range rig.exec.jobs {
		assert.Equal(t, StateCancelled, jq.Status().State())
	}

	// Squash is idempotent.
	rig.exec.Squash()
}

func TestProvisioningFailureRetries(t *testing.T) {
	rig := newRig(t, 9, ExecutiveConfig{MaxAttempts: 5, RetryBackoff: 5 * time.Millisecond})
	rig.transport.addWorker("/chk/LSST/5", &scriptedWorker{
		frames:         [][]byte{frameWithRow(t, "z", "5", true)},
		provisionFails: 2,
	})

	jq, err := rig.exec.AddJob(JobDescription{JobID: 1, ChunkID: 5, Resource: "/chk/LSST/5", Payload: []byte("q")})
	require.NoError(t, err)

	rig.exec.StartAll(context.Background())
	assert.True(t, rig.exec.Wait(context.Background(), 5*time.Second))
	assert.Equal(t, 3, jq.Attempts())
	// Rows carry the attempt that finally succeeded.
	assert.Equal(t, "1\t3\t'z'\t5\n", rig.loader.contents())
}

func TestAttemptCeilingSquashesSiblings(t *testing.T) {
	rig := newRig(t, 11, ExecutiveConfig{MaxAttempts: 2, RetryBackoff: 5 * time.Millisecond})
	rig.transport.addWorker("/chk/LSST/1", &scriptedWorker{provisionFails: 100})
	rig.transport.addWorker("/chk/LSST/2", &scriptedWorker{
		frames:         [][]byte{frameWithRow(t, "x", "1", true)},
		holdAfterFirst: true,
	})

	_, err := rig.exec.AddJob(JobDescription{JobID: 1, ChunkID: 1, Resource: "/chk/LSST/1", Payload: []byte("q")})
	require.NoError(t, err)
	_, err = rig.exec.AddJob(JobDescription{JobID: 2, ChunkID: 2, Resource: "/chk/LSST/2", Payload: []byte("q")})
	require.NoError(t, err)

	rig.exec.StartAll(context.Background())
	assert.False(t, rig.exec.Wait(context.Background(), 5*time.Second))

	qe, _ := rig.exec.Error()
	require.NotNil(t, qe)
	assert.Contains(t, qe.Msg, "attempts")
}

func TestMarkCompletedOncePerJob(t *testing.T) {
	rig := newRig(t, 13, ExecutiveConfig{})
	rig.transport.addWorker("/chk/LSST/1", &scriptedWorker{
		frames: [][]byte{frameWithRow(t, "a", "1", true)},
	})

	jq, err := rig.exec.AddJob(JobDescription{JobID: 1, ChunkID: 1, Resource: "/chk/LSST/1", Payload: []byte("q")})
	require.NoError(t, err)

	rig.exec.StartAll(context.Background())
	require.True(t, rig.exec.Wait(context.Background(), 5*time.Second))

	// A late cancel after completion does not complete the job a second
	// time: the Executive's outcome stays successful.
	assert.True(t, jq.Cancel())
	assert.False(t, jq.Cancel())
	assert.True(t, rig.exec.Success())
}

func TestCancelBeforeDispatch(t *testing.T) {
	rig := newRig(t, 15, ExecutiveConfig{})
	rig.transport.addWorker("/chk/LSST/1", &scriptedWorker{
		frames: [][]byte{frameWithRow(t, "a", "1", true)},
	})

	jq, err := rig.exec.AddJob(JobDescription{JobID: 1, ChunkID: 1, Resource: "/chk/LSST/1", Payload: []byte("q")})
	require.NoError(t, err)

	// Cancel before any attempt is in flight: the task reports completion
	// directly and the Executive still converges.
	assert.True(t, jq.Cancel())
	rig.exec.StartAll(context.Background())
	assert.False(t, rig.exec.Wait(context.Background(), 5*time.Second))
	assert.Equal(t, StateCancelled, jq.Status().State())
}
