package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/common"
	"github.com/lsst/qserv/internal/qerror"
	"github.com/lsst/qserv/internal/storestate"
)

// JobState is the monotone lifecycle of a control-plane Job.
type JobState string

const (
	JobCreated    JobState = "CREATED"
	JobInProgress JobState = "IN_PROGRESS"
	JobFinished   JobState = "FINISHED"
)

// ExtendedState is the terminal disposition, set exactly once at the
// transition to FINISHED.
type ExtendedState string

const (
	ExtNone      ExtendedState = ""
	ExtSuccess   ExtendedState = "SUCCESS"
	ExtFailed    ExtendedState = "FAILED"
	ExtCancelled ExtendedState = "CANCELLED"
	ExtTimeout   ExtendedState = "TIMEOUT_EXPIRED"
)

// Job is one fleet-wide operation hosted by the Controller.
type Job interface {
	ID() string
	Kind() string
	Priority() int
	State() JobState
	ExtState() ExtendedState
	Error() *qerror.Error

	// Start validates the current state, persists the transition to
	// IN_PROGRESS, and fans out the initial requests.
	Start(ctx context.Context) error

	// Cancel cooperatively stops the job and tells busy workers to stop.
	Cancel()

	// Wait blocks until the job reaches FINISHED.
	Wait()

	// ExtendedPersistentState returns the job-specific parameters written
	// into the persisted job row.
	ExtendedPersistentState() []storestate.Param
}

// jobImpl is what a concrete job supplies on top of baseJob.
type jobImpl interface {
	// startImpl fans out the initial requests. Runs with the job already
	// IN_PROGRESS.
	startImpl(ctx context.Context) error

	// cancelImpl stops job-specific activity before the base issues Stop
	// RPCs to busy workers.
	cancelImpl()

	ExtendedPersistentState() []storestate.Param
}

// baseJob carries the lifecycle shared by every concrete job: the monotone
// state machine, single-shot extended state, persistence, the per-worker
// request registry, and the at-most-once notify.
type baseJob struct {
	mu       sync.Mutex
	id       string
	kind     string
	priority int
	state    JobState
	extState ExtendedState

	ctrl       *Controller
	impl       jobImpl
	busy       map[string]bool // workers with an in-flight request
	done       chan struct{}
	notifyOnce sync.Once
	notify     func(Job)

	errs   qerror.Box
	logger arbor.ILogger
}

func newBaseJob(ctrl *Controller, kind string, priority int, notify func(Job)) *baseJob {
	id := common.NewJobID()
	return &baseJob{
		id:       id,
		kind:     kind,
		priority: priority,
		state:    JobCreated,
		ctrl:     ctrl,
		busy:     make(map[string]bool),
		done:     make(chan struct{}),
		notify:   notify,
		logger:   ctrl.logger.WithCorrelationId(id),
	}
}

func (j *baseJob) ID() string    { return j.id }
func (j *baseJob) Kind() string  { return j.kind }
func (j *baseJob) Priority() int { return j.priority }

func (j *baseJob) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *baseJob) ExtState() ExtendedState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.extState
}

func (j *baseJob) Error() *qerror.Error {
	return j.errs.Get()
}

func (j *baseJob) Wait() {
	<-j.done
}

// Start moves CREATED -> IN_PROGRESS and fans out via the concrete job.
func (j *baseJob) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.state != JobCreated {
		state := j.state
		j.mu.Unlock()
		return fmt.Errorf("replica: job %s cannot start from state %s", j.id, state)
	}
	j.state = JobInProgress
	j.mu.Unlock()

	j.ctrl.acquireSlot(j.priority)

	now := time.Now()
	rec := &storestate.JobRecord{
		ID:           j.id,
		ControllerID: j.ctrl.ID(),
		Kind:         j.kind,
		State:        string(JobInProgress),
		Priority:     j.priority,
		CreatedAt:    now,
		StartedAt:    &now,
		Params:       j.impl.ExtendedPersistentState(),
	}
	if err := j.ctrl.storage.SaveJob(ctx, rec); err != nil {
		j.logger.Warn().Err(err).Msg("Failed to persist job start")
	}
	j.ctrl.event("JOB_STARTED", fmt.Sprintf(`{"job":"%s","kind":"%s"}`, j.id, j.kind))

	j.logger.Info().Str("kind", j.kind).Msg("Job started")
	if err := j.impl.startImpl(ctx); err != nil {
		j.finish(ctx, ExtFailed, qerror.New(qerror.CodeProvisionFailed, "job %s failed to start: %v", j.id, err))
		return err
	}
	return nil
}

// Cancel cooperatively stops the job. Workers with in-flight requests get a
// fire-and-forget Stop so they do not waste cycles.
func (j *baseJob) Cancel() {
	j.mu.Lock()
	if j.state == JobFinished {
		j.mu.Unlock()
		return
	}
	busy := make([]string, 0, len(j.busy))
	for worker := range j.busy {
		busy = append(busy, worker)
	}
	j.mu.Unlock()

	j.impl.cancelImpl()
	for _, worker := range busy {
		if err := j.ctrl.workerSvc.Stop(context.Background(), worker, j.id); err != nil {
			j.logger.Warn().Err(err).Str("worker", worker).Msg("Stop request failed")
		}
	}
	j.finish(context.Background(), ExtCancelled, qerror.New(qerror.CodeCancelled, "job %s cancelled", j.id))
}

// markBusy records an in-flight request on worker; markIdle clears it.
func (j *baseJob) markBusy(worker string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.busy[worker] = true
}

func (j *baseJob) markIdle(worker string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.busy, worker)
}

// finish moves to FINISHED with the given extended state, exactly once.
func (j *baseJob) finish(ctx context.Context, ext ExtendedState, err *qerror.Error) {
	j.mu.Lock()
	if j.state == JobFinished {
		j.mu.Unlock()
		return
	}
	j.state = JobFinished
	j.extState = ext
	j.mu.Unlock()

	if err != nil {
		j.errs.Set(err)
	}
	if perr := j.ctrl.storage.UpdateJobState(ctx, j.id, string(JobFinished), string(ext)); perr != nil {
		j.logger.Warn().Err(perr).Msg("Failed to persist job finish")
	}
	if rerr := j.ctrl.registry.Clear(j.id); rerr != nil {
		j.logger.Warn().Err(rerr).Msg("Failed to clear request registry")
	}
	j.ctrl.event("JOB_FINISHED", fmt.Sprintf(`{"job":"%s","extended_state":"%s"}`, j.id, ext))
	j.ctrl.releaseSlot()
	j.logger.Info().Str("extended_state", string(ext)).Msg("Job finished")

	j.notifyOnce.Do(func() {
		if j.notify != nil {
			j.notify(j.impl.(Job))
		}
		close(j.done)
	})
}
