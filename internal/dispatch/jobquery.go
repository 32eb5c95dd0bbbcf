package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/qerror"
	"github.com/lsst/qserv/internal/respond"
)

// JobQuery is the runtime controller for one chunk task. It owns the task's
// receive pipeline across attempts and loops back through provisioning on
// retriable failures, up to the Executive's attempt ceiling.
type JobQuery struct {
	mu        sync.Mutex
	desc      JobDescription
	status    *JobStatus
	exec      *Executive
	requester *respond.Requester
	request   *respond.QueryRequest
	attempts  int
	cancelled bool
	logger    arbor.ILogger
}

func newJobQuery(exec *Executive, desc JobDescription, logger arbor.ILogger) *JobQuery {
	jq := &JobQuery{
		desc:   desc,
		status: &JobStatus{},
		exec:   exec,
		logger: logger,
	}
	jq.requester = respond.NewRequester(exec.merger, desc.JobID, 1, logger)
	return jq
}

// ID returns the task's job id within its Executive.
func (j *JobQuery) ID() int {
	return j.desc.JobID
}

// Status returns the task's mutable progress record.
func (j *JobQuery) Status() *JobStatus {
	return j.status
}

// Attempts returns how many attempts have been started.
func (j *JobQuery) Attempts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempts
}

// start queues the first attempt on the Executive's dispatch pool.
func (j *JobQuery) start(ctx context.Context) {
	j.exec.pool.Submit(func() { j.runAttempt(ctx) })
}

// runAttempt provisions a session and opens one protocol conversation.
func (j *JobQuery) runAttempt(ctx context.Context) {
	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return
	}
	j.attempts++
	attempt := j.attempts
	j.mu.Unlock()

	if attempt > j.exec.maxAttempts {
		err := qerror.New(qerror.CodeProvisionFailed, "job %d exceeded %d attempts", j.desc.JobID, j.exec.maxAttempts)
		j.logger.Warn().Int("job_id", j.desc.JobID).Msg(err.Error())
		j.status.Fail(StateFinished, err)
		j.exec.errs.Set(err)
		j.exec.markCompleted(j.desc.JobID, false)
		j.exec.Squash()
		return
	}

	j.status.Update(StateProvision)
	resource, err := NewQueryResource(ctx, j.exec.transport, j.desc.Resource)
	if err != nil {
		j.logger.Warn().
			Int("job_id", j.desc.JobID).
			Int("attempt", attempt).
			Err(err).
			Msg("Provisioning failed, scheduling retry")
		j.retryLater(ctx)
		return
	}

	j.requester.SetAttempt(attempt)
	if attempt > 1 && !j.requester.Reset() {
		// A dirty pipeline cannot rewind; the earlier failure already
		// decided the query's fate.
		err := qerror.New(qerror.CodeLoadFatal, "job %d retried with a dirty merge pipeline", j.desc.JobID)
		j.status.Fail(StateFinished, err)
		j.exec.errs.Set(err)
		j.exec.markCompleted(j.desc.JobID, false)
		j.exec.Squash()
		return
	}

	request := respond.NewQueryRequest(j.desc.Payload, j.requester, func(success bool, qe *qerror.Error) {
		j.onAttemptFinish(ctx, success, qe)
	}, j.logger)

	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		j.requester.Cancel()
		return
	}
	j.request = request
	j.mu.Unlock()

	j.status.Update(StateRequest)
	// Start failures surface through the finish callback.
	_ = request.Start(resource.Session())
}

// retryLater posts a delayed retry on a detached timer. The closure holds
// only what it needs to re-check liveness: a squashed task silently no-ops.
func (j *JobQuery) retryLater(ctx context.Context) {
	time.AfterFunc(j.exec.retryBackoff, func() {
		j.mu.Lock()
		dead := j.cancelled
		j.mu.Unlock()
		if dead || j.exec.isCancelled() {
			return
		}
		j.exec.pool.Submit(func() { j.runAttempt(ctx) })
	})
}

// onAttemptFinish is the single completion funnel for one attempt.
func (j *JobQuery) onAttemptFinish(ctx context.Context, success bool, qe *qerror.Error) {
	j.mu.Lock()
	j.request = nil
	cancelled := j.cancelled
	attempts := j.attempts
	j.mu.Unlock()

	if success {
		j.status.Update(StateResponseReady)
		j.status.Update(StateComplete)
		j.status.Update(StateFinished)
		j.exec.markCompleted(j.desc.JobID, true)
		return
	}

	if cancelled || (qe != nil && qe.Code == qerror.CodeCancelled) {
		j.status.Fail(StateCancelled, qe)
		j.exec.markCompleted(j.desc.JobID, false)
		return
	}

	dirty := j.exec.merger.Dirty()
	if !dirty && attempts < j.exec.maxAttempts {
		j.logger.Info().
			Int("job_id", j.desc.JobID).
			Int("attempt", attempts).
			Str("error", qe.Error()).
			Msg("Attempt failed, retrying")
		j.retryLater(ctx)
		return
	}

	// Out of attempts, or rows already reached the result table: the whole
	// user query fails.
	j.status.Fail(StateFinished, qe)
	j.exec.errs.Set(qe)
	j.exec.markCompleted(j.desc.JobID, false)
	j.exec.Squash()
}

// Cancel cooperatively stops the task. Returns false if the task was
// already cancelled. When a conversation is in flight, cancellation rides
// the requester's token through the transport; otherwise the task is marked
// complete directly.
func (j *JobQuery) Cancel() bool {
	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return false
	}
	j.cancelled = true
	inFlight := j.request != nil
	j.mu.Unlock()

	// Cancel drains any staged bytes and aborts the merge attempt; with a
	// request in flight its finish callback reports completion, otherwise
	// nothing will, so report it here.
	j.requester.Cancel()
	if !inFlight {
		j.status.Fail(StateCancelled, qerror.New(qerror.CodeCancelled, "job %d cancelled", j.desc.JobID))
		j.exec.markCompleted(j.desc.JobID, false)
	}
	return true
}
