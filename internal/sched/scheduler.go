// Package sched contains the job scheduler and the per-job executor. The
// scheduler owns submission, the worker slots and the FIFO dispatch loop;
// each running job is owned by exactly one executor which drives the
// attack and capture processes as a single unit.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iotbench/floodctl/internal/attack"
	"github.com/iotbench/floodctl/internal/bus"
	"github.com/iotbench/floodctl/internal/capture"
	"github.com/iotbench/floodctl/internal/log"
	"github.com/iotbench/floodctl/internal/model"
	"github.com/iotbench/floodctl/internal/store"
)

// maxDuration bounds a single experiment.
const maxDuration = 24 * time.Hour

// Scheduler accepts job submissions, assigns them to a bounded pool of
// worker slots and serves status and stop requests. All slot decisions
// happen on the single Run goroutine.
type Scheduler struct {
	cfg     model.Config
	store   store.Store
	bus     *bus.Bus
	capture *capture.Coordinator

	// newDriver is swappable for tests.
	newDriver func(kind model.JobKind) (attack.Driver, error)

	mx      sync.Mutex
	queue   []string // pending job ids, FIFO
	running map[string]*executor
	free    int

	wake    chan struct{}
	release chan string
	wg      sync.WaitGroup
}

// New builds a Scheduler and reconciles orphaned records: any job the
// store still shows as pending or running belongs to a previous process
// and is moved to failed before this instance accepts work.
func New(ctx context.Context, cfg model.Config, st store.Store, b *bus.Bus) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n, err := st.ReconcileOrphans(ctx, "scheduler restarted while job was active")
	if err != nil {
		return nil, fmt.Errorf("reconciling orphaned jobs: %w", err)
	}
	if n > 0 {
		slog.WarnContext(ctx, "orphaned jobs marked failed", "count", n)
	}

	s := &Scheduler{
		cfg:   cfg,
		store: st,
		bus:   b,
		capture: capture.NewCoordinator(capture.Config{
			Tool:      cfg.Tools.Tcpdump,
			Interface: cfg.Interface,
			Dir:       cfg.DataDir,
			Grace:     cfg.Grace,
		}),
		running: make(map[string]*executor),
		free:    cfg.Workers,
		wake:    make(chan struct{}, 1),
		release: make(chan string, cfg.Workers),
	}
	s.newDriver = func(kind model.JobKind) (attack.Driver, error) {
		return attack.New(kind, cfg.Tools.Hping3)
	}
	return s, nil
}

// Submit validates the request, creates a pending job and enqueues it.
// It returns immediately; execution is observed via Status and the bus.
func (s *Scheduler) Submit(ctx context.Context, kind model.JobKind, target string, duration time.Duration) (string, error) {
	switch {
	case target == "":
		return "", fmt.Errorf("%w: empty target", model.ErrInvalidParameters)
	case duration <= 0:
		return "", fmt.Errorf("%w: duration must be positive, got %s", model.ErrInvalidParameters, duration)
	case duration > maxDuration:
		return "", fmt.Errorf("%w: duration %s exceeds %s", model.ErrInvalidParameters, duration, maxDuration)
	case !attack.Registered(kind):
		return "", fmt.Errorf("%w: unknown experiment kind %q", model.ErrInvalidParameters, kind)
	}

	job := model.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Target:      target,
		Duration:    duration,
		Status:      model.StatusPending,
		ScheduledAt: time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("persisting job: %w", err)
	}

	s.mx.Lock()
	s.queue = append(s.queue, job.ID)
	s.mx.Unlock()
	s.poke()

	s.bus.Emit(job.ID, slog.LevelInfo, "job submitted", map[string]any{
		"kind":     string(kind),
		"target":   target,
		"duration": duration.String(),
	})
	slog.DebugContext(ctx, "job submitted", "job_id", job.ID, "kind", kind, "target", target)
	return job.ID, nil
}

// RequestStop signals the executor owning jobID. Only a running job can
// be stopped; the transition to stopped happens asynchronously. Map
// ownership alone is not enough: a finished executor stays in the running
// map until the dispatch loop consumes its slot release, so the persisted
// status decides.
func (s *Scheduler) RequestStop(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status == model.StatusRunning {
		s.mx.Lock()
		exec, owned := s.running[jobID]
		s.mx.Unlock()
		if owned {
			exec.requestStop()
			slog.DebugContext(ctx, "stop requested", "job_id", jobID)
			return nil
		}
	}
	return fmt.Errorf("%w: job %s is %s, only a running job can be stopped",
		model.ErrInvalidState, jobID, job.Status)
}

// Status returns a read-only snapshot of the job.
func (s *Scheduler) Status(ctx context.Context, jobID string) (model.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// CaptureInfo returns the capture record of the job. Callers must treat a
// record with Finalized == false as incomplete.
func (s *Scheduler) CaptureInfo(ctx context.Context, jobID string) (model.Capture, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return model.Capture{}, err
	}
	return s.store.CaptureByJob(ctx, jobID)
}

// Events exposes the job event stream, jobID empty for all jobs.
func (s *Scheduler) Events(jobID string) (<-chan bus.Event, func()) {
	return s.bus.Subscribe(jobID)
}

// Run is the dispatch loop. It owns every slot decision and returns after
// a graceful drain once ctx is cancelled: running jobs are stopped through
// the regular shutdown sequence, captures included.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx = log.Attrs(ctx, slog.String("component", "scheduler"))
	slog.DebugContext(ctx, "dispatch loop started", "workers", s.cfg.Workers)

	timer, err := s.startTimer(ctx)
	if err != nil {
		return err
	}
	if timer != nil {
		defer func() {
			if err := timer.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down submission timer", "error", err)
			}
		}()
	}

	defer s.capture.Close()

	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			s.drain(ctx)
			return nil
		case <-s.wake:
		case id := <-s.release:
			s.mx.Lock()
			delete(s.running, id)
			s.free++
			s.mx.Unlock()
		}
	}
}

// dispatch assigns queued jobs to free slots, oldest first.
func (s *Scheduler) dispatch(ctx context.Context) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for s.free > 0 && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]

		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			slog.ErrorContext(ctx, "dequeued job not in store", "job_id", id, "error", err)
			continue
		}
		if job.Status != model.StatusPending {
			// Reconciliation or an operator may have moved it already.
			slog.WarnContext(ctx, "skipping non-pending job", "job_id", id, "status", job.Status)
			continue
		}

		s.free--
		exec := newExecutor(s, job)
		s.running[id] = exec
		s.wg.Add(1)
		go exec.run(ctx)
	}
}

// drain stops all running executors and waits for them.
func (s *Scheduler) drain(ctx context.Context) {
	s.mx.Lock()
	n := len(s.running)
	for _, exec := range s.running {
		exec.requestStop()
	}
	s.mx.Unlock()
	if n > 0 {
		slog.InfoContext(ctx, "draining running jobs", "count", n)
	}
	s.wg.Wait()
	for {
		select {
		case id := <-s.release:
			s.mx.Lock()
			delete(s.running, id)
			s.free++
			s.mx.Unlock()
		default:
			return
		}
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
