package replica

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/common"
	"github.com/lsst/qserv/internal/storestate"
)

// Controller hosts replica Jobs: it owns the worker fleet enumeration, the
// persistence and event sinks, the concurrency slots jobs run under, and
// the per-family report cache.
type Controller struct {
	mu      sync.Mutex
	id      string
	workers []string
	jobs    map[string]Job

	storage   JobPersistence
	registry  Registry
	events    EventSink
	workerSvc WorkerService

	slots       chan struct{}
	jobDeadline time.Duration
	batchSize   int
	sweepSize   int

	reports   map[string]cachedReport
	reportTTL time.Duration

	logger arbor.ILogger
}

type cachedReport struct {
	report    interface{}
	expiresAt time.Time
}

// ControllerOptions bundles the Controller's collaborators and knobs.
type ControllerOptions struct {
	Workers     []string
	Storage     JobPersistence
	Registry    Registry
	Events      EventSink
	WorkerSvc   WorkerService
	MaxJobs     int           // concurrent job slots; 0 selects 4
	JobDeadline time.Duration // per-job deadline; 0 disables
	BatchSize   int           // max tables per worker request; 0 selects 50
	SweepSize   int           // VerifyJob inspection window; 0 selects 1000
	ReportTTL   time.Duration // report cache lifetime; 0 selects 240s
}

// NewController builds and persists a controller identity.
func NewController(ctx context.Context, opts ControllerOptions, logger arbor.ILogger) (*Controller, error) {
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.SweepSize <= 0 {
		opts.SweepSize = 1000
	}
	if opts.ReportTTL <= 0 {
		opts.ReportTTL = 240 * time.Second
	}

	host, _ := os.Hostname()
	c := &Controller{
		id:          "ctrl_" + common.NewRequestID()[4:],
		workers:     append([]string(nil), opts.Workers...),
		jobs:        make(map[string]Job),
		storage:     opts.Storage,
		registry:    opts.Registry,
		events:      opts.Events,
		workerSvc:   opts.WorkerSvc,
		slots:       make(chan struct{}, opts.MaxJobs),
		jobDeadline: opts.JobDeadline,
		batchSize:   opts.BatchSize,
		sweepSize:   opts.SweepSize,
		reports:     make(map[string]cachedReport),
		reportTTL:   opts.ReportTTL,
		logger:      logger,
	}

	if saver, ok := opts.Storage.(interface {
		SaveController(ctx context.Context, rec *storestate.ControllerRecord) error
	}); ok {
		if err := saver.SaveController(ctx, &storestate.ControllerRecord{
			ID:        c.id,
			StartTime: time.Now(),
			Host:      host,
		}); err != nil {
			return nil, fmt.Errorf("failed to persist controller: %w", err)
		}
	}

	logger.Info().Str("controller_id", c.id).Int("workers", len(c.workers)).Msg("Controller started")
	return c, nil
}

// ID returns the controller identity.
func (c *Controller) ID() string {
	return c.id
}

// Workers returns the enabled worker fleet.
func (c *Controller) Workers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.workers...)
}

// Submit registers job and starts it, enforcing the per-job deadline when
// one is configured.
func (c *Controller) Submit(ctx context.Context, job Job) error {
	c.mu.Lock()
	c.jobs[job.ID()] = job
	c.mu.Unlock()

	if err := job.Start(ctx); err != nil {
		return err
	}
	if c.jobDeadline > 0 {
		time.AfterFunc(c.jobDeadline, func() {
			if job.State() != JobFinished {
				c.logger.Warn().Str("job_id", job.ID()).Msg("Job deadline exceeded")
				job.Cancel()
			}
		})
	}
	return nil
}

// Job returns a hosted job by id.
func (c *Controller) Job(id string) Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[id]
}

// acquireSlot blocks until a concurrency slot is free. Priority is recorded
// for observability only: slots are granted in arrival order.
func (c *Controller) acquireSlot(priority int) {
	c.slots <- struct{}{}
}

func (c *Controller) releaseSlot() {
	<-c.slots
}

func (c *Controller) event(kind, payload string) {
	if c.events == nil {
		return
	}
	if err := c.events.Append(c.id, kind, payload); err != nil {
		c.logger.Warn().Err(err).Str("kind", kind).Msg("Failed to append event")
	}
}

// CachedReport returns the cached report for family, if fresh.
func (c *Controller) CachedReport(family string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.reports[family]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.report, true
}

// StoreReport caches a report for family until the TTL expires.
func (c *Controller) StoreReport(family string, report interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports[family] = cachedReport{report: report, expiresAt: time.Now().Add(c.reportTTL)}
}

// Reconfigure replaces the worker fleet and invalidates every cached
// report, since placement reports are computed against the fleet.
func (c *Controller) Reconfigure(workers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers = append([]string(nil), workers...)
	c.reports = make(map[string]cachedReport)
	c.logger.Info().Int("workers", len(workers)).Msg("Controller reconfigured")
}
