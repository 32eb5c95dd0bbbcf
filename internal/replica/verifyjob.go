package replica

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lsst/qserv/internal/qerror"
	"github.com/lsst/qserv/internal/storestate"
)

// ReplicaStore is the persisted replica inventory the verification sweep
// walks, ordered by inspection age.
type ReplicaStore interface {
	// OldestInspected returns up to n replicas, least recently inspected
	// first.
	OldestInspected(ctx context.Context, n int) ([]ReplicaInfo, error)

	// Peers returns every persisted replica of (database, chunk).
	Peers(ctx context.Context, database string, chunk int) ([]ReplicaInfo, error)

	// SaveObserved persists a fresh observation and stamps its
	// inspection time.
	SaveObserved(ctx context.Context, observed ReplicaInfo) error
}

// DiffCallback receives the outcome of one replica inspection: the diff
// against the persisted state and the diffs against each live peer.
type DiffCallback func(selfDiff ReplicaDiff, peerDiffs []ReplicaDiff)

// VerifyJob is the continuous replica integrity sweep: it keeps a window of
// maxReplicas inspections in flight, re-fills the window on a schedule, and
// never terminates unless cancelled or the inventory is empty.
type VerifyJob struct {
	*baseJob
	store           ReplicaStore
	maxReplicas     int
	computeChecksum bool
	onDiff          DiffCallback

	cron    *cron.Cron
	stopped bool
}

// NewVerifyJob builds the sweep. maxReplicas <= 0 selects the controller's
// configured sweep size.
func NewVerifyJob(ctrl *Controller, store ReplicaStore, maxReplicas int, computeChecksum bool, onDiff DiffCallback, notify func(Job)) *VerifyJob {
	if maxReplicas <= 0 {
		maxReplicas = ctrl.sweepSize
	}
	j := &VerifyJob{
		baseJob:         newBaseJob(ctrl, "VERIFY", 0, notify),
		store:           store,
		maxReplicas:     maxReplicas,
		computeChecksum: computeChecksum,
		onDiff:          onDiff,
	}
	j.impl = j
	return j
}

func (j *VerifyJob) ExtendedPersistentState() []storestate.Param {
	return []storestate.Param{
		{Name: "max_replicas", Value: strconv.Itoa(j.maxReplicas)},
		{Name: "compute_check_sum", Value: strconv.FormatBool(j.computeChecksum)},
	}
}

func (j *VerifyJob) startImpl(ctx context.Context) error {
	replicas, err := j.store.OldestInspected(ctx, j.maxReplicas)
	if err != nil {
		return fmt.Errorf("failed to pull replicas: %w", err)
	}
	if len(replicas) == 0 {
		// An empty inventory leaves nothing to sweep, ever.
		j.finish(ctx, ExtFailed, qerror.New(qerror.CodeProvisionFailed, "replica inventory is empty"))
		return nil
	}

	for _, replica := range replicas {
		go j.inspect(ctx, replica)
	}

	// Periodic re-fill keeps the window at maxReplicas even when individual
	// inspection chains stall on slow workers.
	j.cron = cron.New()
	j.cron.Schedule(cron.Every(time.Minute), cron.FuncJob(func() { j.refill(ctx) }))
	j.cron.Start()
	return nil
}

func (j *VerifyJob) cancelImpl() {
	j.mu.Lock()
	j.stopped = true
	c := j.cron
	j.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

func (j *VerifyJob) isStopped() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopped || j.state == JobFinished
}

// inspect verifies one replica and chains to the next oldest one.
func (j *VerifyJob) inspect(ctx context.Context, persisted ReplicaInfo) {
	if j.isStopped() {
		return
	}

	j.markBusy(persisted.Worker)
	observed, err := j.ctrl.workerSvc.FindReplica(ctx, persisted.Worker, persisted.Database, persisted.Chunk)
	j.markIdle(persisted.Worker)
	if err != nil {
		j.logger.Warn().
			Err(err).
			Str("worker", persisted.Worker).
			Str("database", persisted.Database).
			Int("chunk", persisted.Chunk).
			Msg("findReplica failed")
		j.next(ctx)
		return
	}

	selfDiff := NewReplicaDiff(persisted, *observed)

	peers, err := j.store.Peers(ctx, persisted.Database, persisted.Chunk)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Failed to fetch peer replicas")
		peers = nil
	}
	var peerDiffs []ReplicaDiff
	for _, peer := range peers {
		if peer.Worker == persisted.Worker {
			continue
		}
		peerDiffs = append(peerDiffs, NewReplicaDiff(*observed, peer))
	}

	if j.onDiff != nil {
		j.onDiff(selfDiff, peerDiffs)
	}
	if selfDiff.NotEqual() {
		j.ctrl.event("REPLICA_DIFF", fmt.Sprintf(
			`{"worker":"%s","database":"%s","chunk":%d,"flags":"%s"}`,
			persisted.Worker, persisted.Database, persisted.Chunk, selfDiff.Flags2String()))
	}
	if err := j.store.SaveObserved(ctx, *observed); err != nil {
		j.logger.Warn().Err(err).Msg("Failed to persist observation")
	}

	j.next(ctx)
}

// next pulls the next oldest replica to keep the inspection window full.
func (j *VerifyJob) next(ctx context.Context) {
	if j.isStopped() {
		return
	}
	replicas, err := j.store.OldestInspected(ctx, 1)
	if err != nil || len(replicas) == 0 {
		// The refill schedule will try again.
		return
	}
	go j.inspect(ctx, replicas[0])
}

func (j *VerifyJob) refill(ctx context.Context) {
	if j.isStopped() {
		return
	}
	replicas, err := j.store.OldestInspected(ctx, j.maxReplicas)
	if err != nil {
		j.logger.Warn().Err(err).Msg("Sweep refill failed")
		return
	}
	for _, replica := range replicas {
		go j.inspect(ctx, replica)
	}
}
