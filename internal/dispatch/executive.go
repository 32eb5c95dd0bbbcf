package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/merger"
	"github.com/lsst/qserv/internal/qerror"
	"github.com/lsst/qserv/internal/worker"
)

// Observer receives per-task state transitions, e.g. for a live progress
// feed. May be nil.
type Observer func(queryID QueryID, jobID int, state JobState)

// Executive coordinates one user query: it owns every JobQuery, tracks
// completion, and squashes the fleet when any task fails terminally or the
// caller cancels.
type Executive struct {
	mu        sync.Mutex
	queryID   QueryID
	jobs      map[int]*JobQuery
	completed map[int]bool
	failures  int
	cancelled bool
	done      chan struct{}

	transport    Transport
	merger       *merger.InfileMerger
	pool         *worker.Pool
	maxAttempts  int
	retryBackoff time.Duration
	observer     Observer

	errs   qerror.Box
	logger arbor.ILogger
}

// ExecutiveConfig carries the dispatch knobs one Executive needs.
type ExecutiveConfig struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

// NewExecutive builds the coordinator for one user query.
func NewExecutive(queryID QueryID, cfg ExecutiveConfig, transport Transport, sink *merger.InfileMerger, pool *worker.Pool, logger arbor.ILogger) *Executive {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Executive{
		queryID:      queryID,
		jobs:         make(map[int]*JobQuery),
		completed:    make(map[int]bool),
		done:         make(chan struct{}),
		transport:    transport,
		merger:       sink,
		pool:         pool,
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
		logger:       logger.WithCorrelationId(fmt.Sprintf("qid-%d", queryID)),
	}
}

// SetObserver installs a state-transition observer. Must be called before
// StartAll.
func (e *Executive) SetObserver(obs Observer) {
	e.observer = obs
}

// AddJob registers one chunk task. Must be called before StartAll.
func (e *Executive) AddJob(desc JobDescription) (*JobQuery, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.jobs[desc.JobID]; ok {
		return nil, fmt.Errorf("dispatch: duplicate job id %d", desc.JobID)
	}
	jq := newJobQuery(e, desc, e.logger)
	e.jobs[desc.JobID] = jq
	return jq, nil
}

// StartAll launches every registered task on the dispatch pool.
func (e *Executive) StartAll(ctx context.Context) {
	e.mu.Lock()
	jobs := make([]*JobQuery, 0, len(e.jobs))
	for _, jq := range e.jobs {
		jobs = append(jobs, jq)
	}
	total := len(jobs)
	e.mu.Unlock()

	e.logger.Info().Int("jobs", total).Msg("Dispatching user query")
	if total == 0 {
		close(e.done)
		return
	}
	for _, jq := range jobs {
		jq.start(ctx)
	}
}

// markCompleted records one task's terminal outcome. The first report per
// job id wins; later reports are ignored, so completion fires at most once
// per task no matter how cancellation and transport races interleave.
func (e *Executive) markCompleted(jobID int, success bool) {
	e.mu.Lock()
	if e.completed[jobID] {
		e.mu.Unlock()
		return
	}
	e.completed[jobID] = true
	if !success {
		e.failures++
	}
	remaining := len(e.jobs) - len(e.completed)
	allDone := remaining == 0
	e.mu.Unlock()

	if e.observer != nil {
		state := StateFinished
		if !success {
			state = StateCancelled
			if jq := e.job(jobID); jq != nil {
				state = jq.Status().State()
			}
		}
		e.observer(e.queryID, jobID, state)
	}

	e.logger.Debug().
		Int("job_id", jobID).
		Bool("success", success).
		Int("remaining", remaining).
		Msg("Job completed")

	if allDone {
		close(e.done)
	}
}

func (e *Executive) job(jobID int) *JobQuery {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[jobID]
}

// Squash cooperatively cancels every in-flight task. Idempotent; tasks that
// already finished are untouched.
func (e *Executive) Squash() {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	e.cancelled = true
	jobs := make([]*JobQuery, 0, len(e.jobs))
	for _, jq := range e.jobs {
		jobs = append(jobs, jq)
	}
	e.mu.Unlock()

	e.logger.Warn().Int("jobs", len(jobs)).Msg("Squashing user query")
	e.errs.Set(qerror.New(qerror.CodeCancelled, "user query %d squashed", e.queryID))
	for _, jq := range jobs {
		jq.Cancel()
	}
}

func (e *Executive) isCancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// Wait blocks until every task reported completion, the context expired, or
// timeout elapsed (zero means no timeout). On timeout the query is squashed
// and Wait keeps waiting for the cancellations to land.
func (e *Executive) Wait(ctx context.Context, timeout time.Duration) bool {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		e.errs.Set(qerror.New(qerror.CodeCancelled, "user query %d context cancelled", e.queryID))
		e.Squash()
		<-e.done
	case <-timer:
		e.errs.Set(qerror.New(qerror.CodeDeadlineExceeded, "user query %d exceeded %s", e.queryID, timeout))
		e.Squash()
		<-e.done
	}
	return e.Success()
}

// Success reports whether every task succeeded. Only meaningful once Wait
// returned.
func (e *Executive) Success() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.completed) == len(e.jobs) && e.failures == 0
}

// Error returns the first failure recorded for this query, if any, together
// with the completed-row count so a caller can distinguish "no rows" from
// "partial, then failed".
func (e *Executive) Error() (*qerror.Error, int64) {
	return e.errs.Get(), e.merger.Rows()
}

// QueryID returns the user query this Executive coordinates.
func (e *Executive) QueryID() QueryID {
	return e.queryID
}
