package sched

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/iotbench/floodctl/internal/attack"
	"github.com/iotbench/floodctl/internal/bus"
	"github.com/iotbench/floodctl/internal/model"
	"github.com/iotbench/floodctl/internal/proc"
	"github.com/iotbench/floodctl/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDriver stands in for the hping wrapper: it spawns nothing and lets
// tests script availability, start failures and premature exits.
type fakeDriver struct {
	kind model.JobKind

	availableErr error
	startErr     error
	exitAfter    time.Duration // >0: deliver exitErr on results after this delay
	exitErr      error
	onStart      func()
	onStop       func()

	mx      sync.Mutex
	started bool
	stopped bool
	spec    attack.Spec
	results chan proc.Result
}

func newFakeDriver(kind model.JobKind) *fakeDriver {
	return &fakeDriver{kind: kind, results: make(chan proc.Result, 1)}
}

func (d *fakeDriver) Kind() model.JobKind { return d.kind }

func (d *fakeDriver) Available() error { return d.availableErr }

func (d *fakeDriver) Start(_ context.Context, spec attack.Spec, _ proc.StderrFunc) error {
	if d.startErr != nil {
		return d.startErr
	}
	d.mx.Lock()
	d.started = true
	d.spec = spec
	d.mx.Unlock()
	if d.onStart != nil {
		d.onStart()
	}
	if d.exitAfter > 0 {
		go func() {
			time.Sleep(d.exitAfter)
			d.results <- proc.Result{Err: d.exitErr, Stopped: time.Now()}
		}()
	}
	return nil
}

func (d *fakeDriver) Stop(time.Duration) error {
	d.mx.Lock()
	d.stopped = true
	d.mx.Unlock()
	if d.onStop != nil {
		d.onStop()
	}
	return nil
}

func (d *fakeDriver) Results() <-chan proc.Result { return d.results }

func (d *fakeDriver) Close() {}

func (d *fakeDriver) wasStopped() bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.stopped
}

// stubTcpdump mirrors the real tool closely enough for the coordinator:
// it creates the -w file and keeps running until terminated.
func stubTcpdump(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	path := filepath.Join(t.TempDir(), "tcpdump")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

const tcpdumpOK = `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-w" ]; then out="$2"; shift; fi
  shift
done
printf 'captured packets' > "$out"
trap 'exit 0' TERM
while true; do sleep 0.1; done
`

type harness struct {
	s      *Scheduler
	store  store.Store
	bus    *bus.Bus
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, cfg model.Config, factory func(model.JobKind) (attack.Driver, error)) *harness {
	t.Helper()
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}

	st := store.NewMemory()
	b := bus.New()
	s, err := New(context.Background(), cfg, st, b)
	require.NoError(t, err)
	if factory != nil {
		s.newDriver = factory
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{s: s, store: st, bus: b, cancel: cancel, done: make(chan error, 1)}
	go func() {
		h.done <- s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("scheduler did not drain in time")
		}
		b.Close()
	})
	return h
}

func testConfig(t *testing.T, workers int) model.Config {
	t.Helper()
	return model.Config{
		Workers:   workers,
		DataDir:   t.TempDir(),
		Interface: "lo",
		Grace:     2 * time.Second,
		Tools: model.Tools{
			Hping3:  "hping3",
			Tcpdump: stubTcpdump(t, tcpdumpOK),
		},
	}
}

func (h *harness) waitStatus(t *testing.T, jobID string, want model.JobStatus) model.Job {
	t.Helper()
	var job model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.s.Status(context.Background(), jobID)
		require.NoError(t, err)
		return job.Status == want
	}, 10*time.Second, 20*time.Millisecond, "job never reached %s", want)
	return job
}

func (h *harness) waitTerminal(t *testing.T, jobID string) model.Job {
	t.Helper()
	var job model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.s.Status(context.Background(), jobID)
		require.NoError(t, err)
		return job.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond, "job never reached a terminal state")
	return job
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	h := start(t, testConfig(t, 1), nil)
	ctx := context.Background()

	for name, tc := range map[string]struct {
		kind     model.JobKind
		target   string
		duration time.Duration
	}{
		"empty target":       {model.KindSYN, "", time.Second},
		"zero duration":      {model.KindSYN, "10.0.0.5", 0},
		"negative duration":  {model.KindSYN, "10.0.0.5", -time.Second},
		"excessive duration": {model.KindSYN, "10.0.0.5", 25 * time.Hour},
		"unknown kind":       {model.JobKind("teardrop"), "10.0.0.5", time.Second},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.s.Submit(ctx, tc.kind, tc.target, tc.duration)
			require.ErrorIs(t, err, model.ErrInvalidParameters)
		})
	}

	// rejected submissions must leave no trace in the store
	jobs, err := h.store.ListJobs(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestJobCompletes(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver(model.KindSYN)
	h := start(t, testConfig(t, 1), func(model.JobKind) (attack.Driver, error) {
		return driver, nil
	})
	ctx := context.Background()

	id, err := h.s.Submit(ctx, model.KindSYN, "10.0.0.5", 700*time.Millisecond)
	require.NoError(t, err)

	job := h.waitTerminal(t, id)
	require.Equal(t, model.StatusCompleted, job.Status)
	require.Empty(t, job.Err)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)
	require.False(t, job.FinishedAt.Before(*job.StartedAt))
	require.True(t, driver.wasStopped())

	rec, err := h.s.CaptureInfo(ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.CaptureID, rec.ID)
	require.True(t, rec.Finalized)
	require.Positive(t, rec.ByteSize)
	_, err = os.Stat(rec.FilePath)
	require.NoError(t, err)
}

func TestRequestStop(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver(model.KindUDP)
	h := start(t, testConfig(t, 1), func(model.JobKind) (attack.Driver, error) {
		return driver, nil
	})
	ctx := context.Background()

	begin := time.Now()
	id, err := h.s.Submit(ctx, model.KindUDP, "10.0.0.5", time.Minute)
	require.NoError(t, err)
	h.waitStatus(t, id, model.StatusRunning)

	require.NoError(t, h.s.RequestStop(ctx, id))
	job := h.waitTerminal(t, id)
	require.Equal(t, model.StatusStopped, job.Status)
	require.Less(t, time.Since(begin), 30*time.Second, "stop must not wait out the duration")
	require.True(t, driver.wasStopped())

	rec, err := h.s.CaptureInfo(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.Finalized, "stopped jobs keep their capture")

	// stopping a terminal job is rejected
	require.ErrorIs(t, h.s.RequestStop(ctx, id), model.ErrInvalidState)
}

func TestRequestStopValidation(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	h := start(t, testConfig(t, 1), func(kind model.JobKind) (attack.Driver, error) {
		d := newFakeDriver(kind)
		d.onStart = func() {
			<-block
		}
		return d, nil
	})
	ctx := context.Background()

	require.ErrorIs(t, h.s.RequestStop(ctx, "no-such-job"), model.ErrNotFound)

	// occupy the only slot so the second submission stays pending
	first, err := h.s.Submit(ctx, model.KindSYN, "10.0.0.5", time.Minute)
	require.NoError(t, err)
	h.waitStatus(t, first, model.StatusRunning)
	second, err := h.s.Submit(ctx, model.KindSYN, "10.0.0.6", time.Minute)
	require.NoError(t, err)

	err = h.s.RequestStop(ctx, second)
	require.ErrorIs(t, err, model.ErrInvalidState)
	require.ErrorContains(t, err, "pending")

	close(block)
	require.NoError(t, h.s.RequestStop(ctx, first))
	h.waitTerminal(t, first)
}

func TestWorkerSlotsBounded(t *testing.T) {
	t.Parallel()
	const workers = 2

	var (
		mx      sync.Mutex
		active  int
		peak    int
		drivers []*fakeDriver
	)
	h := start(t, testConfig(t, workers), func(kind model.JobKind) (attack.Driver, error) {
		d := newFakeDriver(kind)
		d.onStart = func() {
			mx.Lock()
			active++
			if active > peak {
				peak = active
			}
			mx.Unlock()
		}
		d.onStop = func() {
			mx.Lock()
			active--
			mx.Unlock()
		}
		mx.Lock()
		drivers = append(drivers, d)
		mx.Unlock()
		return d, nil
	})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := h.s.Submit(ctx, model.KindICMP, "10.0.0.5", 500*time.Millisecond)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		job := h.waitTerminal(t, id)
		require.Equal(t, model.StatusCompleted, job.Status)
	}

	mx.Lock()
	defer mx.Unlock()
	require.Len(t, drivers, 5, "every job gets its own driver")
	require.LessOrEqual(t, peak, workers, "running jobs must never exceed the worker count")
	require.Zero(t, active)
}

func TestToolUnavailableFailsBeforeCapture(t *testing.T) {
	t.Parallel()
	h := start(t, testConfig(t, 1), func(kind model.JobKind) (attack.Driver, error) {
		d := newFakeDriver(kind)
		d.availableErr = model.ErrToolUnavailable
		return d, nil
	})
	ctx := context.Background()

	events, cancel := h.bus.Subscribe("")
	defer cancel()

	id, err := h.s.Submit(ctx, model.KindSYN, "10.0.0.5", time.Second)
	require.NoError(t, err)

	job := h.waitTerminal(t, id)
	require.Equal(t, model.StatusFailed, job.Status)
	require.Contains(t, job.Err, model.ErrToolUnavailable.Error())

	// no capture process was ever started for this job
	_, err = h.s.CaptureInfo(ctx, id)
	require.ErrorIs(t, err, model.ErrNotFound)

	// the failure is visible on the event stream
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Message == "job finished" && ev.Fields["error"] != nil {
					return true
				}
			default:
				return false
			}
		}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAttackCrashFailsJob(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver(model.KindACK)
	driver.exitAfter = 100 * time.Millisecond
	driver.exitErr = errors.New("exit status 1")
	h := start(t, testConfig(t, 1), func(model.JobKind) (attack.Driver, error) {
		return driver, nil
	})
	ctx := context.Background()

	id, err := h.s.Submit(ctx, model.KindACK, "10.0.0.5", time.Minute)
	require.NoError(t, err)

	job := h.waitTerminal(t, id)
	require.Equal(t, model.StatusFailed, job.Status)
	require.Contains(t, job.Err, "attack process")

	// the capture is still finalized so the crash window can be inspected
	rec, err := h.s.CaptureInfo(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.Finalized)
}

func TestAttackCleanEarlyExitCompletes(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver(model.KindFrag)
	driver.exitAfter = 100 * time.Millisecond
	h := start(t, testConfig(t, 1), func(model.JobKind) (attack.Driver, error) {
		return driver, nil
	})
	ctx := context.Background()

	begin := time.Now()
	id, err := h.s.Submit(ctx, model.KindFrag, "10.0.0.5", time.Minute)
	require.NoError(t, err)

	job := h.waitTerminal(t, id)
	require.Equal(t, model.StatusCompleted, job.Status)
	require.Less(t, time.Since(begin), 30*time.Second)
}

func TestCaptureDeathFailsJob(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, 1)
	cfg.Tools.Tcpdump = stubTcpdump(t, `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-w" ]; then out="$2"; shift; fi
  shift
done
printf 'partial' > "$out"
sleep 0.6
exit 7
`)
	driver := newFakeDriver(model.KindSYN)
	h := start(t, cfg, func(model.JobKind) (attack.Driver, error) {
		return driver, nil
	})
	ctx := context.Background()

	id, err := h.s.Submit(ctx, model.KindSYN, "10.0.0.5", time.Minute)
	require.NoError(t, err)

	job := h.waitTerminal(t, id)
	require.Equal(t, model.StatusFailed, job.Status)
	require.Contains(t, job.Err, "capture process died")
	require.True(t, driver.wasStopped(), "the attack must not outlive its capture")
}

func TestCaptureBeginFailureFailsJob(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, 1)
	cfg.Tools.Tcpdump = stubTcpdump(t, "exit 1\n")
	h := start(t, cfg, func(kind model.JobKind) (attack.Driver, error) {
		return newFakeDriver(kind), nil
	})
	ctx := context.Background()

	id, err := h.s.Submit(ctx, model.KindSYN, "10.0.0.5", time.Second)
	require.NoError(t, err)

	job := h.waitTerminal(t, id)
	require.Equal(t, model.StatusFailed, job.Status)
	require.Contains(t, job.Err, model.ErrProcessFailure.Error())
}

func TestCaptureStartsBeforeAttack(t *testing.T) {
	t.Parallel()
	h := start(t, testConfig(t, 1), func(kind model.JobKind) (attack.Driver, error) {
		return newFakeDriver(kind), nil
	})
	ctx := context.Background()

	id, err := h.s.Submit(ctx, model.KindSYN, "10.0.0.5", 500*time.Millisecond)
	require.NoError(t, err)
	events, cancel := h.s.Events(id)
	defer cancel()

	var messages []string
	for ev := range events {
		messages = append(messages, ev.Message)
	}
	capIdx, attackIdx := -1, -1
	for i, msg := range messages {
		switch msg {
		case "capture started":
			capIdx = i
		case "attack started":
			attackIdx = i
		}
	}
	require.GreaterOrEqual(t, capIdx, 0, "events: %v", messages)
	require.GreaterOrEqual(t, attackIdx, 0, "events: %v", messages)
	require.Less(t, capIdx, attackIdx, "capture must be live before the flood starts")
	require.Equal(t, "job finished", messages[len(messages)-1])
}

// gateStore lets a test hold the executor inside a job update after the
// row is persisted.
type gateStore struct {
	store.Store
	afterUpdate func(model.Job)
}

func (g *gateStore) UpdateJob(ctx context.Context, job model.Job) error {
	err := g.Store.UpdateJob(ctx, job)
	if g.afterUpdate != nil {
		g.afterUpdate(job)
	}
	return err
}

func TestRequestStopAfterTerminalPersist(t *testing.T) {
	t.Parallel()
	terminal := make(chan struct{})
	hold := make(chan struct{})
	st := &gateStore{
		Store: store.NewMemory(),
		afterUpdate: func(job model.Job) {
			if job.Status.Terminal() {
				close(terminal)
				<-hold
			}
		},
	}

	cfg := testConfig(t, 1)
	b := bus.New()
	defer b.Close()
	s, err := New(context.Background(), cfg, st, b)
	require.NoError(t, err)
	s.newDriver = func(kind model.JobKind) (attack.Driver, error) {
		return newFakeDriver(kind), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	id, err := s.Submit(ctx, model.KindSYN, "10.0.0.5", 500*time.Millisecond)
	require.NoError(t, err)

	// The executor is now blocked between persisting the terminal status
	// and releasing its slot: it is still in the running map, but the job
	// is already over.
	select {
	case <-terminal:
	case <-time.After(10 * time.Second):
		t.Fatal("job never persisted a terminal status")
	}
	err = s.RequestStop(context.Background(), id)
	require.ErrorIs(t, err, model.ErrInvalidState)

	close(hold)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not drain in time")
	}
}

func TestShutdownStopsRunningJobs(t *testing.T) {
	t.Parallel()
	driver := newFakeDriver(model.KindSYN)
	cfg := testConfig(t, 1)

	st := store.NewMemory()
	b := bus.New()
	defer b.Close()
	s, err := New(context.Background(), cfg, st, b)
	require.NoError(t, err)
	s.newDriver = func(model.JobKind) (attack.Driver, error) {
		return driver, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	id, err := s.Submit(ctx, model.KindSYN, "10.0.0.5", time.Minute)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		job, err := s.Status(context.Background(), id)
		require.NoError(t, err)
		return job.Status == model.StatusRunning
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not drain in time")
	}

	job, err := s.Status(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.StatusStopped, job.Status)
	require.True(t, driver.wasStopped())

	rec, err := s.CaptureInfo(context.Background(), id)
	require.NoError(t, err)
	require.True(t, rec.Finalized, "shutdown must finalize captures, not abandon them")
}

func TestTimerSubmitsExperiments(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, 2)
	cfg.Timer = &model.Timer{
		Every: "1s",
		Experiments: []model.Experiment{
			{Kind: model.KindSYN, Target: "10.0.0.5", Duration: 300 * time.Millisecond},
			{Kind: model.KindUDP, Target: "10.0.0.6", Duration: 300 * time.Millisecond},
		},
	}
	h := start(t, cfg, func(kind model.JobKind) (attack.Driver, error) {
		return newFakeDriver(kind), nil
	})

	require.Eventually(t, func() bool {
		jobs, err := h.store.ListJobs(context.Background())
		require.NoError(t, err)
		return len(jobs) >= 2
	}, 10*time.Second, 50*time.Millisecond, "timer never fired")

	jobs, err := h.store.ListJobs(context.Background())
	require.NoError(t, err)
	targets := map[string]bool{}
	for _, job := range jobs {
		targets[job.Target] = true
	}
	require.True(t, targets["10.0.0.5"])
	require.True(t, targets["10.0.0.6"])
}
