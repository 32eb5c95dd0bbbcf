// Package respond implements the czar side of one worker conversation: the
// receive state machine that turns a byte stream into framed fragments, and
// the per-attempt request object that drives it. The transport is handed a
// pre-sized buffer before every receive and fills it exactly, so the state
// machine never needs a general-purpose receive buffer.
package respond

import (
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/merger"
	"github.com/lsst/qserv/internal/proto"
	"github.com/lsst/qserv/internal/qerror"
)

// State enumerates the receive states, in order of first entry.
type State int

const (
	// StateHeaderSizeWait waits for the one-byte size-of-next-header field.
	StateHeaderSizeWait State = iota
	// StateResultWait waits for a ProtoHeader of the announced size.
	StateResultWait
	// StateResultExtra waits for the body of the announced size.
	StateResultExtra
	// StateResultRecv marks a body received and handed to the merger.
	StateResultRecv
	// StateBufferDrain is the terminal success state; any remaining bytes
	// are discarded.
	StateBufferDrain
	// StateHeaderErr and StateResultErr are terminal failure states.
	StateHeaderErr
	StateResultErr
)

func (s State) String() string {
	switch s {
	case StateHeaderSizeWait:
		return "HEADER_SIZE_WAIT"
	case StateResultWait:
		return "RESULT_WAIT"
	case StateResultExtra:
		return "RESULT_EXTRA"
	case StateResultRecv:
		return "RESULT_RECV"
	case StateBufferDrain:
		return "BUFFER_DRAIN"
	case StateHeaderErr:
		return "HEADER_ERR"
	case StateResultErr:
		return "RESULT_ERR"
	default:
		return "INVALID"
	}
}

// Requester receives one worker's fragment stream. The transport serializes
// NextBuffer/Flush/ErrorFlush calls; Cancel may arrive from any thread and
// wins over a Flush already in flight.
type Requester struct {
	mu     sync.Mutex
	state  State
	buffer []byte
	header proto.ProtoHeader

	sink    *merger.InfileMerger
	jobID   int
	attempt int

	cancelled bool
	token     *CancelToken
	errs      qerror.Box
	logger    arbor.ILogger
}

// NewRequester builds a requester that forwards decoded fragments from the
// (jobID, attempt) task into sink.
func NewRequester(sink *merger.InfileMerger, jobID, attempt int, logger arbor.ILogger) *Requester {
	return &Requester{
		state:   StateHeaderSizeWait,
		buffer:  make([]byte, 1),
		sink:    sink,
		jobID:   jobID,
		attempt: attempt,
		token:   NewCancelToken(),
		logger:  logger,
	}
}

// Token returns the cancellation token a request arms for the lifetime of
// its transport conversation.
func (r *Requester) Token() *CancelToken {
	return r.token
}

// SetAttempt updates the attempt number stamped into merged rows. Called
// between attempts, never while a flush is in flight.
func (r *Requester) SetAttempt(attempt int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = attempt
}

// NextBuffer returns the buffer the transport must fill before the next
// Flush. Its length is exactly the byte count the current state expects.
func (r *Requester) NextBuffer() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer
}

// Flush accepts n filled bytes from the transport. Unless last is set, n
// must equal the issued buffer's length; with last set, a short count is
// padding and the stream is over. Returns false once the requester is in a
// terminal state or cancelled.
func (r *Requester) Flush(n int, last bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled || r.terminalLocked() {
		return false
	}
	if n > len(r.buffer) {
		return r.failLocked(StateHeaderErr, qerror.New(qerror.CodeProtocol, "flush of %d bytes exceeds issued buffer of %d", n, len(r.buffer)))
	}
	if n < len(r.buffer) && !last {
		return r.failLocked(StateHeaderErr, qerror.New(qerror.CodeProtocol, "short flush of %d bytes, expected %d", n, len(r.buffer)))
	}

	switch r.state {
	case StateHeaderSizeWait:
		if last && n == 0 {
			return r.drainAndFinalizeLocked()
		}
		size := int(r.buffer[0])
		if size == 0 {
			if last {
				return r.drainAndFinalizeLocked()
			}
			return r.failLocked(StateHeaderErr, qerror.New(qerror.CodeProtocol, "zero header size mid-stream"))
		}
		r.buffer = make([]byte, size)
		r.state = StateResultWait
		return true

	case StateResultWait:
		header, err := proto.ParseHeader(r.buffer[:n])
		if err != nil {
			return r.failLocked(StateHeaderErr, qerror.New(qerror.CodeProtocol, "bad fragment header: %v", err))
		}
		r.header = header
		if header.Size == 0 {
			// An empty body carries nothing for the merger.
			if last {
				return r.drainAndFinalizeLocked()
			}
			r.buffer = make([]byte, 1)
			r.state = StateHeaderSizeWait
			return true
		}
		r.buffer = make([]byte, header.Size)
		r.state = StateResultExtra
		return true

	case StateResultExtra:
		body := r.buffer[:n]
		if err := r.header.VerifyBody(body); err != nil {
			return r.failLocked(StateResultErr, qerror.New(qerror.CodeProtocol, "fragment md5 check failed: %v", err))
		}
		resp, err := proto.UnmarshalBody(body)
		if err != nil {
			return r.failLocked(StateHeaderErr, qerror.New(qerror.CodeProtocol, "fragment body parse failed: %v", err))
		}
		r.state = StateResultRecv
		if err := r.mergeLocked(resp, last); err != nil {
			return r.failLocked(StateResultErr, qerror.New(err.Code, "merge rejected fragment: %s", err.Msg))
		}
		if last {
			return r.drainLocked()
		}
		r.buffer = make([]byte, 1)
		r.state = StateHeaderSizeWait
		return true

	default:
		return r.failLocked(StateResultErr, qerror.New(qerror.CodeProtocol, "flush in state %s", r.state))
	}
}

// mergeLocked hands one decoded fragment to the merger without holding the
// requester lock hostage to MySQL: the transport serializes Flush calls, so
// dropping the lock here is safe, but Cancel must still win, so the
// cancelled flag is re-checked after re-acquiring.
func (r *Requester) mergeLocked(resp *proto.WorkerResponse, last bool) *qerror.Error {
	r.mu.Unlock()
	err := r.sink.Merge(resp, r.jobID, r.attempt)
	var final error
	if err == nil && last {
		final = r.sink.Finalize()
	}
	r.mu.Lock()

	if r.cancelled {
		return qerror.New(qerror.CodeCancelled, "cancelled during merge")
	}
	if err != nil {
		if qe, ok := err.(*qerror.Error); ok {
			return qe
		}
		return qerror.New(qerror.CodeLoadFatal, "%v", err)
	}
	if final != nil {
		if qe, ok := final.(*qerror.Error); ok {
			return qe
		}
		return qerror.New(qerror.CodeLoadFatal, "%v", final)
	}
	return nil
}

// ErrorFlush records an unrecoverable transport-signaled error. No further
// buffers will be issued.
func (r *Requester) ErrorFlush(msg string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminalLocked() {
		return
	}
	r.failLocked(StateResultErr, qerror.New(qerror.CodeDisconnect, "transport error %d: %s", code, msg))
}

// Finished reports whether the stream has reached a terminal state.
func (r *Requester) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminalLocked()
}

// Reset returns the machine to HEADER_SIZE_WAIT for a fresh attempt, but
// only while the merger has not accepted any bytes: rows already loaded
// cannot be retracted, so a dirty pipeline keeps its current state.
func (r *Requester) Reset() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink.Dirty() {
		return false
	}
	r.state = StateHeaderSizeWait
	r.buffer = make([]byte, 1)
	r.cancelled = false
	return true
}

// Cancel fires the registered cancel callback exactly once and stops any
// in-flight flush from merging further rows. Safe after Finished.
func (r *Requester) Cancel() {
	r.mu.Lock()
	if !r.cancelled {
		r.cancelled = true
		r.errs.Set(qerror.New(qerror.CodeCancelled, "cancelled"))
	}
	r.mu.Unlock()
	r.token.Fire()
}

// Error returns the first failure recorded, if any.
func (r *Requester) Error() *qerror.Error {
	return r.errs.Get()
}

// CurrentState exposes the state for observers and tests.
func (r *Requester) CurrentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Requester) terminalLocked() bool {
	switch r.state {
	case StateBufferDrain, StateHeaderErr, StateResultErr:
		return true
	default:
		return false
	}
}

func (r *Requester) drainLocked() bool {
	r.state = StateBufferDrain
	r.buffer = nil
	return true
}

// drainAndFinalizeLocked ends an empty-tail stream. The merger is only
// touched when earlier fragments actually staged rows.
func (r *Requester) drainAndFinalizeLocked() bool {
	if r.sink.Rows() > 0 {
		r.mu.Unlock()
		err := r.sink.Finalize()
		r.mu.Lock()
		if r.cancelled {
			return false
		}
		if err != nil {
			return r.failLocked(StateResultErr, qerror.New(qerror.CodeLoadFatal, "final drain failed: %v", err))
		}
	}
	return r.drainLocked()
}

func (r *Requester) failLocked(state State, err *qerror.Error) bool {
	r.state = state
	r.buffer = nil
	r.errs.Set(err)
	r.logger.Warn().Str("state", state.String()).Msg(err.Error())
	return false
}
