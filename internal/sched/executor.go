package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iotbench/floodctl/internal/attack"
	"github.com/iotbench/floodctl/internal/log"
	"github.com/iotbench/floodctl/internal/model"
	"github.com/iotbench/floodctl/internal/proc"
)

// executor owns one running job and the (attack, capture) process pair
// behind it. Its shutdown sequence is the single choke point allowed to
// terminate either process: stop the attack, then finalize the capture,
// then persist the terminal state and release the slot.
type executor struct {
	sched *Scheduler
	job   model.Job

	stop     chan struct{}
	stopOnce sync.Once
}

func newExecutor(s *Scheduler, job model.Job) *executor {
	return &executor{
		sched: s,
		job:   job,
		stop:  make(chan struct{}),
	}
}

// requestStop signals the executor. Idempotent, returns immediately.
func (e *executor) requestStop() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
}

func (e *executor) run(ctx context.Context) {
	defer e.sched.wg.Done()
	defer func() {
		// Slot release is last: by then the processes are gone, the
		// capture entry is dropped and the terminal state is persisted.
		e.sched.bus.Complete(e.job.ID)
		e.sched.capture.Release(e.job.ID)
		e.sched.release <- e.job.ID
		e.sched.poke()
	}()

	ctx = log.Attrs(ctx, slog.String("job_id", e.job.ID))
	// Children must not die with the dispatch context; the shutdown
	// sequence below is the only thing allowed to terminate them.
	procCtx := context.WithoutCancel(ctx)

	now := time.Now().UTC()
	e.job.Status = model.StatusRunning
	e.job.StartedAt = &now
	e.persist(ctx)
	e.emit(slog.LevelInfo, "job running", nil)

	driver, err := e.sched.newDriver(e.job.Kind)
	if err == nil {
		err = driver.Available()
	}
	if err != nil {
		// Tool missing: fail before the capture ever begins writing.
		e.finish(ctx, model.StatusFailed, err, false)
		return
	}

	rec, err := e.sched.capture.Begin(procCtx, e.job.ID, e.job.Target, e.stderrFunc("capture"))
	if err != nil {
		e.finish(ctx, model.StatusFailed, err, false)
		return
	}
	e.job.CaptureID = rec.ID
	if err := e.sched.store.CreateCapture(ctx, rec); err != nil {
		slog.ErrorContext(ctx, "persisting capture record", "error", err)
	}
	e.persist(ctx)
	e.emit(slog.LevelInfo, "capture started", map[string]any{"file": rec.FilePath})

	capWatch, err := e.sched.capture.Watch(e.job.ID)
	if err != nil {
		e.finish(ctx, model.StatusFailed, err, true)
		return
	}

	spec := attack.Spec{
		Target:    e.job.Target,
		Duration:  e.job.Duration,
		Interface: e.sched.cfg.Interface,
	}
	if err := driver.Start(procCtx, spec, e.stderrFunc("attack")); err != nil {
		e.finish(ctx, model.StatusFailed, err, true)
		return
	}
	e.emit(slog.LevelInfo, "attack started", map[string]any{"kind": string(e.job.Kind)})

	timer := time.NewTimer(e.job.Duration)
	defer timer.Stop()

	final := model.StatusCompleted
	var cause error
	select {
	case <-timer.C:
		// Natural end of the experiment.
	case <-e.stop:
		final = model.StatusStopped
	case <-ctx.Done():
		final = model.StatusStopped
	case res := <-driver.Results():
		// The flood exited on its own before the duration elapsed. A
		// clean exit counts as early completion, anything else is fatal.
		if res.Err != nil {
			final = model.StatusFailed
			cause = fmt.Errorf("%w: attack process: %v", model.ErrProcessFailure, res.Err)
		}
	case res := <-capWatch:
		final = model.StatusFailed
		cause = fmt.Errorf("%w: capture process died mid-job: %v", model.ErrProcessFailure, res.Err)
	}

	// Shutdown sequence, identical for stop, timeout and error paths.
	if err := driver.Stop(e.sched.cfg.Grace); err != nil {
		if errors.Is(err, proc.ErrStopTimeout) {
			e.emit(slog.LevelWarn, "attack ignored termination, killed", nil)
			err = fmt.Errorf("%w: attack driver", model.ErrShutdownTimeout)
		}
		if final != model.StatusFailed {
			final = model.StatusFailed
			cause = err
		}
	}
	e.finish(ctx, final, cause, true)
}

// finish finalizes the capture when one exists, persists the terminal
// state and emits the closing event. A finalization error always makes
// the job failed; whatever partial file exists is kept for post-mortem.
func (e *executor) finish(ctx context.Context, final model.JobStatus, cause error, finalize bool) {
	if finalize {
		rec, err := e.sched.capture.Finalize(e.job.ID)
		if err != nil {
			final = model.StatusFailed
			cause = errors.Join(cause, err)
		}
		if rec.ID != "" {
			if serr := e.sched.store.UpdateCapture(ctx, rec); serr != nil {
				slog.ErrorContext(ctx, "persisting finalized capture", "error", serr)
			}
			if rec.Finalized {
				e.emit(slog.LevelInfo, "capture finalized", map[string]any{
					"file": rec.FilePath,
					"size": rec.ByteSize,
				})
			}
		}
	}

	now := time.Now().UTC()
	e.job.Status = final
	e.job.FinishedAt = &now
	if cause != nil {
		e.job.Err = cause.Error()
	}
	e.persist(ctx)

	fields := map[string]any{"status": string(final)}
	level := slog.LevelInfo
	if final == model.StatusFailed {
		level = slog.LevelError
		fields["error"] = e.job.Err
	}
	e.emit(level, "job finished", fields)
	slog.InfoContext(ctx, "job finished", "status", final, "error", e.job.Err)
}

func (e *executor) persist(ctx context.Context) {
	if err := e.sched.store.UpdateJob(ctx, e.job); err != nil {
		slog.ErrorContext(ctx, "persisting job transition", "status", e.job.Status, "error", err)
	}
}

func (e *executor) emit(level slog.Level, msg string, fields map[string]any) {
	e.sched.bus.Emit(e.job.ID, level, msg, fields)
}

// stderrFunc republishes child stderr lines as debug events, tagged with
// the process they came from (progress counters, tcpdump notices).
func (e *executor) stderrFunc(source string) proc.StderrFunc {
	return func(_ context.Context, line string) {
		e.emit(slog.LevelDebug, line, map[string]any{"source": source})
	}
}
