package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SynthesizeFunc turns a job into audio handed to playback. It must honour ctx.
type SynthesizeFunc func(ctx context.Context, job Job) error

// TrackController is the part of a playback sink that can drop audio already handed
// over. It is optional.
type TrackController interface {
	Skip(guildID string) bool
	Stop(guildID string) int
}

// SkipResult describes what a skip request ended up doing.
type SkipResult int

const (
	SkipNothing SkipResult = iota
	SkipTrack
	SkipSynthesis
)

func (r SkipResult) String() string {
	switch r {
	case SkipTrack:
		return "track"
	case SkipSynthesis:
		return "synthesis"
	default:
		return "nothing"
	}
}

// Supervisor runs at most one worker goroutine per guild. Workers drain the guild's
// queue in order and exit once it is empty.
type Supervisor struct {
	queue    *Queue
	run      SynthesizeFunc
	tracks   TrackController
	observer Observer
	metrics  *metrics
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

// SupervisorOptions carries the optional collaborators of a Supervisor.
type SupervisorOptions struct {
	Tracks   TrackController
	Observer Observer
	Logger   *slog.Logger
}

// NewSupervisor binds run to queue. Workers inherit parent; cancelling it stops them.
func NewSupervisor(parent context.Context, queue *Queue, run SynthesizeFunc, opts SupervisorOptions) *Supervisor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	ctx, cancel := context.WithCancelCause(parent)
	s := &Supervisor{
		queue:    queue,
		run:      run,
		tracks:   opts.Tracks,
		observer: observer,
		logger:   logger.With(slog.String("component", "synthesis-supervisor")),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.metrics = newMetrics(queue, s.logger)
	return s
}

// Queue exposes the queue the supervisor drains.
func (s *Supervisor) Queue() *Queue { return s.queue }

// Submit enqueues job and makes sure a worker will pick it up.
func (s *Supervisor) Submit(job Job) error {
	if job.Text == "" {
		return ErrEmptyText
	}
	if err := s.queue.Enqueue(job.GuildID, job); err != nil {
		return err
	}
	s.metrics.enqueued(job)
	s.observer.JobQueued(job)
	s.EnsureWorker(job.GuildID)
	return nil
}

// EnsureWorker starts a worker for the guild unless one is already draining it.
func (s *Supervisor) EnsureWorker(guildID string) bool {
	if s.ctx.Err() != nil {
		return false
	}
	if !s.queue.tryStart(guildID) {
		s.logger.Debug("worker already running", slog.String("guild_id", guildID))
		return false
	}
	s.wg.Add(1)
	go s.work(guildID)
	return true
}

// Running reports whether a worker owns the guild.
func (s *Supervisor) Running(guildID string) bool { return s.queue.Running(guildID) }

// Skip drops whatever the guild is saying right now. Audio already playing is
// skipped first; when nothing is playing the job being synthesized is cancelled.
func (s *Supervisor) Skip(guildID string) SkipResult {
	if s.tracks != nil && s.tracks.Skip(guildID) {
		return SkipTrack
	}
	if s.queue.CancelActive(guildID) {
		return SkipSynthesis
	}
	return SkipNothing
}

// Clear stops playback, cancels the job in flight and drops the backlog. It returns
// the number of queued jobs that were dropped.
func (s *Supervisor) Clear(guildID string) int {
	if s.tracks != nil {
		s.tracks.Stop(guildID)
	}
	dropped := s.queue.CancelActiveAndClear(guildID)
	s.dropped(dropped)
	return len(dropped)
}

// Evict clears the guild and forgets its state.
func (s *Supervisor) Evict(guildID string) int {
	if s.tracks != nil {
		s.tracks.Stop(guildID)
	}
	dropped := s.queue.Evict(guildID)
	s.dropped(dropped)
	return len(dropped)
}

func (s *Supervisor) dropped(jobs []Job) {
	for _, job := range jobs {
		s.metrics.finished(job, OutcomeDropped, 0)
		s.observer.JobFinished(job, OutcomeDropped, nil)
	}
}

// Shutdown cancels every worker and waits for them to return or ctx to expire.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel(ErrShutdown)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for synthesis workers: %w", ctx.Err())
	}
}

func (s *Supervisor) work(guildID string) {
	defer s.wg.Done()
	logger := s.logger.With(slog.String("guild_id", guildID))
	logger.Info("synthesis worker started")

	for {
		jobCtx, cancel := context.WithCancelCause(s.ctx)
		job, ok := s.queue.next(guildID, cancel)
		if !ok {
			cancel(nil)
			logger.Info("synthesis worker finished")
			return
		}

		if !s.process(jobCtx, job, logger) {
			cancel(nil)
			return
		}
		cancel(nil)
	}
}

// process runs one job and reports whether the worker should keep going.
func (s *Supervisor) process(ctx context.Context, job Job, logger *slog.Logger) bool {
	logger = logger.With(slog.String("job_id", job.ID))
	s.observer.JobStarted(job)
	start := time.Now()

	err := s.run(ctx, job)
	s.queue.ClearActive(job.GuildID, job.ID)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		logger.Debug("job completed", slog.Duration("elapsed", elapsed))
		s.metrics.finished(job, OutcomeCompleted, elapsed)
		s.observer.JobFinished(job, OutcomeCompleted, nil)
		return true

	case errors.Is(err, ErrSinkUnavailable):
		logger.Warn("playback unavailable, stopping worker", slogError(err), slog.Int("pending", s.queue.Len(job.GuildID)))
		s.metrics.finished(job, OutcomeFailed, elapsed)
		s.observer.JobFinished(job, OutcomeFailed, err)
		s.queue.stop(job.GuildID)
		return false

	case ctx.Err() != nil:
		s.metrics.finished(job, OutcomeCancelled, elapsed)
		s.observer.JobFinished(job, OutcomeCancelled, context.Cause(ctx))
		if s.ctx.Err() != nil {
			logger.Info("worker stopped by shutdown")
			s.queue.stop(job.GuildID)
			return false
		}
		logger.Info("job cancelled")
		return true

	default:
		logger.Warn("job failed", slogError(err), slog.Duration("elapsed", elapsed))
		s.metrics.finished(job, OutcomeFailed, elapsed)
		s.observer.JobFinished(job, OutcomeFailed, err)
		return true
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
