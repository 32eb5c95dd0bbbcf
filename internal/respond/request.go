package respond

import (
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/qerror"
)

// Sink is the receive surface the transport drives from its I/O thread.
// Calls are serialized by the transport; Cancel is the one entry point that
// may arrive from anywhere else.
type Sink interface {
	NextBuffer() []byte
	Flush(n int, last bool) bool
	ErrorFlush(msg string, code int)
}

// Conversation is the transport's handle for one in-flight exchange.
type Conversation interface {
	// Cancel asks the transport to abandon the exchange. The transport will
	// eventually call ErrorFlush on the sink.
	Cancel()
}

// Session is one provisioned channel to a worker resource, produced by the
// transport's provisioning step.
type Session interface {
	// Send transmits payload and begins streaming the response into sink.
	Send(payload []byte, sink Sink) (Conversation, error)
}

// FinishState tracks a request's terminal disposition.
type FinishState int

const (
	FinishActive FinishState = iota
	FinishSuccess
	FinishCancelled
	FinishError
)

// QueryRequest owns one transport-level conversation: it presents the
// payload, relays incoming fragments into its Requester, and finalizes
// exactly once. A finish mutex guards the race between the cancel callback
// (armed on the requester's token, callable from any thread) and the
// transport acknowledging completion.
type QueryRequest struct {
	mu        sync.Mutex
	state     FinishState
	requester *Requester
	conv      Conversation
	payload   []byte
	onFinish  func(success bool, err *qerror.Error)
	logger    arbor.ILogger
}

// NewQueryRequest builds a request around one attempt's requester. onFinish
// fires exactly once when the conversation reaches a terminal state.
func NewQueryRequest(payload []byte, requester *Requester, onFinish func(bool, *qerror.Error), logger arbor.ILogger) *QueryRequest {
	return &QueryRequest{
		state:     FinishActive,
		requester: requester,
		payload:   payload,
		onFinish:  onFinish,
		logger:    logger,
	}
}

// Start arms the cancellation token and opens the conversation on session.
func (q *QueryRequest) Start(session Session) error {
	q.requester.Token().Arm(q.cancelFromToken)

	conv, err := session.Send(q.payload, q)
	if err != nil {
		q.finish(FinishError, qerror.New(qerror.CodeProvisionFailed, "failed to open conversation: %v", err))
		return err
	}
	q.mu.Lock()
	q.conv = conv
	alreadyDone := q.state != FinishActive
	q.mu.Unlock()
	if alreadyDone {
		// Cancelled before the conversation handle arrived.
		conv.Cancel()
	}
	return nil
}

// NextBuffer implements Sink.
func (q *QueryRequest) NextBuffer() []byte {
	return q.requester.NextBuffer()
}

// Flush implements Sink, finishing the request when the stream terminates.
func (q *QueryRequest) Flush(n int, last bool) bool {
	ok := q.requester.Flush(n, last)
	if q.requester.Finished() {
		if err := q.requester.Error(); err != nil {
			q.finish(FinishError, err)
		} else {
			q.finish(FinishSuccess, nil)
		}
	}
	return ok
}

// ErrorFlush implements Sink for transport-signaled failures.
func (q *QueryRequest) ErrorFlush(msg string, code int) {
	q.requester.ErrorFlush(msg, code)
	q.finish(FinishError, q.requester.Error())
}

// State returns the request's terminal disposition.
func (q *QueryRequest) State() FinishState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// cancelFromToken runs when the requester's token fires. It flips the
// request to CANCELLED and tells the transport to abandon the exchange.
func (q *QueryRequest) cancelFromToken() {
	q.mu.Lock()
	if q.state != FinishActive {
		q.mu.Unlock()
		return
	}
	q.state = FinishCancelled
	conv := q.conv
	q.mu.Unlock()

	if conv != nil {
		conv.Cancel()
	}
	if q.onFinish != nil {
		q.onFinish(false, qerror.New(qerror.CodeCancelled, "request cancelled"))
	}
}

// finish moves the request to a terminal state exactly once, disarming the
// cancellation token before any reference to this request is dropped.
func (q *QueryRequest) finish(state FinishState, err *qerror.Error) {
	q.mu.Lock()
	if q.state != FinishActive {
		q.mu.Unlock()
		return
	}
	q.state = state
	q.mu.Unlock()

	q.requester.Token().Disarm()
	if q.onFinish != nil {
		q.onFinish(state == FinishSuccess, err)
	}
}
