// Package proc runs a single external child process and reports its
// lifetime. Both the attack drivers and the capture coordinator are built
// on it, so the executor supervises one process idiom, not two.
package proc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
	ErrInProgress = errors.New("process in progress")
	// ErrStopTimeout means the child ignored SIGTERM for the whole grace
	// period and was killed.
	ErrStopTimeout = errors.New("process ignored termination signal")
)

// StderrFunc receives each stderr line of the running child.
type StderrFunc func(ctx context.Context, line string)

// Command describes the child to spawn. A zero Timeout means no upper
// bound beyond what the caller enforces itself.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

// Result describes a finished (or failed to start) child.
type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// Runner owns at most one child process at a time. The child runs in its
// own process group so a stop signal reaches its descendants too.
type Runner struct {
	mx     sync.RWMutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	result Result
	waits  []chan Result
}

func NewRunner() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

// Start spawns the child. It returns ErrInProgress when a child is still
// running, or the exec error. It does not wait for the child; use
// ResultsChan. A non-nil stderrFunc gets every stderr line.
func (r *Runner) Start(ctx context.Context, proto Command, stderrFunc StderrFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	if proto.Timeout > 0 {
		ctx, r.cancel = context.WithTimeout(ctx, proto.Timeout)
	}

	r.cmd = exec.CommandContext(ctx, r.result.Path, r.result.Args...)
	if proto.Env != nil {
		r.cmd.Env = proto.Env
	}
	r.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr io.ReadCloser
	if stderrFunc != nil {
		var err error
		stderr, err = r.cmd.StderrPipe()
		if err != nil {
			r.abortStart()
			return err
		}
	}
	var buf bytes.Buffer
	r.result.Stdout = &buf
	r.cmd.Stdout = &buf

	r.result.Started = time.Now().UTC()
	if err := r.cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		r.abortStart()
		return err
	}

	if stderr != nil {
		go r.pumpStderr(ctx, stderr, stderrFunc)
	}
	go r.wait(r.cmd)
	return nil
}

// abortStart unwinds a failed Start while the lock is held. Releasing the
// timeout context here keeps the cancel func from leaking on error paths.
func (r *Runner) abortStart() {
	r.cmd = nil
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *Runner) pumpStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		stderrFunc(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	stopped := time.Now().UTC()

	r.mx.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	waits := r.waits
	r.waits = nil
	result := r.result
	r.mx.Unlock()

	// Each channel has capacity one and is owned by wait alone, so the
	// send never blocks and the close never races another sender.
	for _, ch := range waits {
		ch <- result
		close(ch)
	}
}

// Running reports whether a child is currently alive.
func (r *Runner) Running() bool {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.cmd != nil
}

// ResultsChan returns a channel yielding the result of the current child
// once it exits. If no child is running the last result is delivered
// immediately. The channel is closed after the single delivery.
func (r *Runner) ResultsChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// LastResult returns the result of the last finished child, or a Result
// carrying ErrNotStarted/ErrInProgress.
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	if r.cmd != nil {
		res := r.result
		res.Err = ErrInProgress
		return res
	}
	return r.result
}

// Stop terminates the child cooperatively: SIGTERM to the process group,
// a bounded grace wait, then SIGKILL. It returns ErrStopTimeout when the
// kill escalation was needed and nil when the child exited in time or was
// already gone.
func (r *Runner) Stop(grace time.Duration) error {
	r.mx.RLock()
	cmd := r.cmd
	r.mx.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	done := r.ResultsChan()
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return ErrStopTimeout
	}
}

// Close kills a still running child without waiting. Safe to call twice.
func (r *Runner) Close() {
	r.mx.RLock()
	cmd := r.cmd
	r.mx.RUnlock()
	if cmd != nil && cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
