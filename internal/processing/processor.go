// Package processing runs upload batches on an explicitly sized pool of
// goroutines fed by a buffered channel. It is the in-process alternative to
// the Redis-backed queue for single-binary deployments.
package processing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/retina-intake/internal/model"
	"github.com/dharsanguruparan/retina-intake/internal/repository"
)

// Job is one queued upload batch.
type Job struct {
	Token string
	Paths []string
}

// JobRunner executes a batch. worker.Processor implements it.
type JobRunner interface {
	RunJob(ctx context.Context, token string, paths []string) error
}

// Processor consumes Jobs on a fixed number of workers.
type Processor struct {
	runner  JobRunner
	jobs    repository.JobStore
	queue   chan Job
	workers int
	logger  zerolog.Logger
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	abandon atomic.Bool
}

// ShutdownMessage is the job error recorded for work that never started.
const ShutdownMessage = "service shutting down"

// New builds a Processor with queue capacity tied to worker count.
func New(runner JobRunner, jobs repository.JobStore, workers int, logger zerolog.Logger) *Processor {
	if workers <= 0 {
		workers = 1
	}
	return &Processor{
		runner:  runner,
		jobs:    jobs,
		queue:   make(chan Job, workers*4),
		workers: workers,
		logger:  logger.With().Str("component", "pool").Logger(),
	}
}

// Start launches worker goroutines. Jobs run on a context detached from
// ctx's cancellation so an archive always reaches a terminal state; use
// Shutdown to stop the pool.
func (p *Processor) Start(ctx context.Context) {
	run := context.WithoutCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(run)
	}
}

// Shutdown stops accepting jobs and waits for the workers to drain the
// queue. Once ctx is done, jobs that have not started are marked failed
// instead of run; jobs already running are still waited for.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.abandon.Store(true)
		<-done
		return ctx.Err()
	}
}

// Dispatch queues a batch. When the buffer is full, or the pool is shutting
// down, the job is marked failed right away so pollers never wait on work
// that will not run.
func (p *Processor) Dispatch(ctx context.Context, token string, paths []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return p.reject(ctx, token, ShutdownMessage)
	}
	select {
	case p.queue <- Job{Token: token, Paths: paths}:
		return nil
	default:
		p.logger.Warn().Str("job", token).Msg("queue full, dropping job")
		return p.reject(ctx, token, "processing queue full")
	}
}

func (p *Processor) reject(ctx context.Context, token, msg string) error {
	if err := p.jobs.SetJobStatus(ctx, token, model.StatusError, &msg); err != nil {
		p.logger.Error().Err(err).Str("job", token).Msg("mark dropped job")
	}
	return fmt.Errorf("dispatch job %s: %s", token, msg)
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.queue {
		if p.abandon.Load() {
			p.logger.Warn().Str("job", job.Token).Msg("job not started before shutdown")
			msg := ShutdownMessage
			if err := p.jobs.SetJobStatus(ctx, job.Token, model.StatusError, &msg); err != nil {
				p.logger.Error().Err(err).Str("job", job.Token).Msg("mark abandoned job")
			}
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Processor) process(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Str("job", job.Token).Msg("job panicked")
			msg := "internal error"
			_ = p.jobs.SetJobStatus(ctx, job.Token, model.StatusError, &msg)
		}
	}()
	if err := p.runner.RunJob(ctx, job.Token, job.Paths); err != nil {
		p.logger.Error().Err(err).Str("job", job.Token).Msg("run job")
	}
}
