// Package worker provides the czar's dispatch pool: a fixed set of
// goroutines draining a task queue, sized by czar.dispatch_concurrency.
package worker

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
)

// Pool runs submitted tasks on a bounded set of goroutines.
type Pool struct {
	tasks      chan func()
	logger     arbor.ILogger
	numWorkers int
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewPool creates a pool with numWorkers goroutines. Tasks submitted before
// Start are queued.
func NewPool(numWorkers int, logger arbor.ILogger) *Pool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		tasks:      make(chan func(), 4*numWorkers),
		logger:     logger,
		numWorkers: numWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info().
			Int("num_workers", p.numWorkers).
			Msg("Starting dispatch pool")

		for i := 0; i < p.numWorkers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Submit queues one task. Returns false if the pool is stopping.
func (p *Pool) Submit(task func()) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case <-p.ctx.Done():
		return false
	case p.tasks <- task:
		return true
	}
}

// Stop drains nothing: queued tasks that have not started are dropped, and
// in-flight tasks run to completion.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info().Msg("Stopping dispatch pool")
		p.cancel()
		p.wg.Wait()
		p.logger.Info().Msg("Dispatch pool stopped")
	})
}

func (p *Pool) worker(workerID int) {
	defer p.wg.Done()

	p.logger.Debug().
		Int("worker_id", workerID).
		Msg("Dispatch worker started")

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().
				Int("worker_id", workerID).
				Msg("Dispatch worker stopping")
			return
		case task := <-p.tasks:
			if p.ctx.Err() != nil {
				return
			}
			task()
		}
	}
}
