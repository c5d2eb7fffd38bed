package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPoolClosed = errors.New("worker pool is closed")
	ErrQueueFull  = errors.New("worker queue is full")
)

// Job is a unit of work run by a Pool.
type Job func(ctx context.Context)

// Pool runs queued jobs on a bounded number of goroutines. Every job gets
// its own timeout and a panic in a job does not take down the process.
type Pool struct {
	timeout time.Duration
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.RWMutex
	closed bool
	jobs   chan Job
	done   chan struct{}
}

func NewPool(workers, queue int, timeout time.Duration, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		timeout: timeout,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan Job, queue),
		done:    make(chan struct{}),
	}
	p.group.SetLimit(workers)

	go p.dispatch()
	return p
}

func (p *Pool) dispatch() {
	for job := range p.jobs {
		// Go blocks while all workers are busy.
		p.group.Go(func() error {
			p.run(job)
			return nil
		})
	}
	_ = p.group.Wait()
	close(p.done)
}

func (p *Pool) run(job Job) {
	ctx := p.ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Str("panic", fmt.Sprint(r)).Msg("worker job panicked")
		}
	}()

	job(ctx)
}

// Submit queues a job without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits for queued and running jobs.
// When ctx ends first the jobs' contexts are canceled and Shutdown waits
// for them to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-p.done
		return ctx.Err()
	}
}
