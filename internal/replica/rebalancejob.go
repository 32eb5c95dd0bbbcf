package replica

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/lsst/qserv/internal/qerror"
	"github.com/lsst/qserv/internal/storestate"
)

// ChunkMove is one planned chunk relocation.
type ChunkMove struct {
	Database string
	Chunk    int
	From     string
	To       string
}

// RebalanceReport summarizes one rebalancing pass over a database family.
type RebalanceReport struct {
	Family      string
	TotalChunks int
	WorkerLoads map[string]int
	Moves       []ChunkMove
	Performed   int
	Errors      []string
}

// RebalanceJob levels chunk placement across the fleet for one database
// family. With estimateOnly set it computes and caches the plan without
// moving anything.
type RebalanceJob struct {
	*baseJob
	family       string
	estimateOnly bool
	report       RebalanceReport
}

// NewRebalanceJob builds the job for one family.
func NewRebalanceJob(ctrl *Controller, family string, estimateOnly bool, notify func(Job)) (*RebalanceJob, error) {
	if family == "" {
		return nil, fmt.Errorf("replica: family is required")
	}
	j := &RebalanceJob{
		baseJob:      newBaseJob(ctrl, "REBALANCE", 2, notify),
		family:       family,
		estimateOnly: estimateOnly,
	}
	j.impl = j
	return j, nil
}

func (j *RebalanceJob) ExtendedPersistentState() []storestate.Param {
	return []storestate.Param{
		{Name: "family", Value: j.family},
		{Name: "estimate_only", Value: strconv.FormatBool(j.estimateOnly)},
	}
}

func (j *RebalanceJob) cancelImpl() {}

func (j *RebalanceJob) startImpl(ctx context.Context) error {
	go j.run(ctx)
	return nil
}

func (j *RebalanceJob) run(ctx context.Context) {
	report, err := j.plan(ctx)
	if err != nil {
		j.finish(ctx, ExtFailed, qerror.New(qerror.CodeProvisionFailed, "rebalance planning failed: %v", err))
		return
	}

	if !j.estimateOnly {
		for _, move := range report.Moves {
			if j.State() == JobFinished {
				return
			}
			j.markBusy(move.From)
			err := j.ctrl.workerSvc.MoveChunk(ctx, move.Database, move.Chunk, move.From, move.To)
			j.markIdle(move.From)
			if err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("chunk %d %s->%s: %v", move.Chunk, move.From, move.To, err))
				continue
			}
			report.Performed++
		}
	}

	j.mu.Lock()
	j.report = *report
	j.mu.Unlock()
	j.ctrl.StoreReport(j.family, *report)

	if len(report.Errors) > 0 {
		j.finish(ctx, ExtFailed, qerror.New(qerror.CodeLoadNonFatal, "%d moves failed", len(report.Errors)))
		return
	}
	j.finish(ctx, ExtSuccess, nil)
}

// plan computes the target placement: each worker should hold close to the
// mean chunk count; surplus chunks move to the emptiest workers. For an
// estimate-only run, a fresh cached report for the family short-circuits the
// fleet scan.
func (j *RebalanceJob) plan(ctx context.Context) (*RebalanceReport, error) {
	if cached, ok := j.ctrl.CachedReport(j.family); ok {
		if report, ok := cached.(RebalanceReport); ok && j.estimateOnly {
			j.logger.Debug().Str("family", j.family).Msg("Using cached rebalance report")
			return &report, nil
		}
	}

	workers := j.ctrl.Workers()
	if len(workers) == 0 {
		return nil, fmt.Errorf("no enabled workers")
	}

	loads := make(map[string][]int, len(workers))
	total := 0
	for _, worker := range workers {
		chunks, err := j.ctrl.workerSvc.WorkerChunks(ctx, worker, j.family)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", worker, err)
		}
		sort.Ints(chunks)
		loads[worker] = chunks
		total += len(chunks)
	}

	report := &RebalanceReport{
		Family:      j.family,
		TotalChunks: total,
		WorkerLoads: make(map[string]int, len(workers)),
	}
	for worker, chunks := range loads {
		report.WorkerLoads[worker] = len(chunks)
	}

	mean := total / len(workers)
	sorted := append([]string(nil), workers...)
	sort.Strings(sorted)

	// Walk donors high-to-low, recipients low-to-high.
	type load struct {
		worker string
		chunks []int
	}
	donors := []load{}
	recipients := []load{}
	for _, worker := range sorted {
		chunks := loads[worker]
		if len(chunks) > mean+1 {
			donors = append(donors, load{worker, chunks})
		} else if len(chunks) < mean {
			recipients = append(recipients, load{worker, chunks})
		}
	}
	sort.SliceStable(donors, func(a, b int) bool { return len(donors[a].chunks) > len(donors[b].chunks) })
	sort.SliceStable(recipients, func(a, b int) bool { return len(recipients[a].chunks) < len(recipients[b].chunks) })

	ri := 0
	for _, donor := range donors {
		surplus := len(donor.chunks) - (mean + 1)
		for surplus > 0 && ri < len(recipients) {
			recipient := &recipients[ri]
			deficit := mean - (len(recipient.chunks) + countMovesTo(report.Moves, recipient.worker))
			if deficit <= 0 {
				ri++
				continue
			}
			chunk := donor.chunks[len(donor.chunks)-1]
			donor.chunks = donor.chunks[:len(donor.chunks)-1]
			report.Moves = append(report.Moves, ChunkMove{
				Database: j.family,
				Chunk:    chunk,
				From:     donor.worker,
				To:       recipient.worker,
			})
			surplus--
		}
	}

	return report, nil
}

func countMovesTo(moves []ChunkMove, worker string) int {
	n := 0
	for _, m := range moves {
		if m.To == worker {
			n++
		}
	}
	return n
}

// Report returns the last computed report. Only meaningful once the job
// finished.
func (j *RebalanceJob) Report() RebalanceReport {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.report
}
