package respond

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst/qserv/internal/common"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/qerror"
)

// fakeSession captures the sink so the test can play the transport's role.
type fakeSession struct {
	sink    Sink
	sendErr error
	conv    *fakeConversation
}

type fakeConversation struct {
	cancelled bool
}

func (c *fakeConversation) Cancel() { c.cancelled = true }

func (s *fakeSession) Send(payload []byte, sink Sink) (Conversation, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	s.sink = sink
	s.conv = &fakeConversation{}
	return s.conv, nil
}

// pump plays a byte stream through the sink like the transport I/O thread.
func pump(sink Sink, stream []byte) {
	for {
		buf := sink.NextBuffer()
		if len(buf) == 0 {
			return
		}
		n := copy(buf, stream)
		stream = stream[n:]
		if !sink.Flush(n, len(stream) == 0) {
			return
		}
		if len(stream) == 0 {
			return
		}
	}
}

func TestRequestHappyPathFinishesOnce(t *testing.T) {
	r, _ := newTestRequester(1, 1)

	var finishes int
	var lastSuccess bool
	req := NewQueryRequest([]byte("payload"), r, func(success bool, err *qerror.Error) {
		finishes++
		lastSuccess = success
	}, common.GetLogger())

	session := &fakeSession{}
	require.NoError(t, req.Start(session))

	body, err := proto.MarshalBody(&proto.WorkerResponse{
		Schema: []proto.Column{{Name: "n", SQLType: "INT"}},
		Rows:   [][]proto.Cell{{{Data: "1"}}},
	})
	require.NoError(t, err)
	pump(session.sink, proto.EncodeFragment(body))

	assert.Equal(t, 1, finishes)
	assert.True(t, lastSuccess)
	assert.Equal(t, FinishSuccess, req.State())

	// A terminal request must have disarmed its token: a later cancel
	// cannot reach it.
	r.Token().Fire()
	assert.Equal(t, FinishSuccess, req.State())
	assert.Equal(t, 1, finishes)
}

func TestRequestCancelViaToken(t *testing.T) {
	r, _ := newTestRequester(1, 1)

	var finishErr *qerror.Error
	req := NewQueryRequest(nil, r, func(success bool, err *qerror.Error) {
		finishErr = err
	}, common.GetLogger())

	session := &fakeSession{}
	require.NoError(t, req.Start(session))

	r.Cancel()
	assert.Equal(t, FinishCancelled, req.State())
	assert.True(t, session.conv.cancelled)
	require.NotNil(t, finishErr)
	assert.Equal(t, qerror.CodeCancelled, finishErr.Code)
}

func TestRequestSendFailure(t *testing.T) {
	r, _ := newTestRequester(1, 1)

	var finishErr *qerror.Error
	req := NewQueryRequest(nil, r, func(success bool, err *qerror.Error) {
		finishErr = err
	}, common.GetLogger())

	session := &fakeSession{sendErr: errors.New("no route to worker")}
	require.Error(t, req.Start(session))
	assert.Equal(t, FinishError, req.State())
	require.NotNil(t, finishErr)
	assert.Equal(t, qerror.CodeProvisionFailed, finishErr.Code)
}

func TestRequestTransportError(t *testing.T) {
	r, _ := newTestRequester(1, 1)

	var finishErr *qerror.Error
	req := NewQueryRequest(nil, r, func(success bool, err *qerror.Error) {
		finishErr = err
	}, common.GetLogger())

	session := &fakeSession{}
	require.NoError(t, req.Start(session))

	session.sink.ErrorFlush("worker went away", 2)
	assert.Equal(t, FinishError, req.State())
	require.NotNil(t, finishErr)
	assert.Equal(t, qerror.CodeDisconnect, finishErr.Code)
}
