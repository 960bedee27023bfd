// Package capture manages the tcpdump process paired with every job. The
// capture must be writing before the flood starts and must be finalized on
// every exit path, so the coordinator is the only component allowed to
// start or stop the capture process.
package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iotbench/floodctl/internal/model"
	"github.com/iotbench/floodctl/internal/proc"
)

// livenessWindow is how long a freshly spawned tcpdump must survive before
// Begin trusts it. tcpdump fails fast on a bad interface or permissions,
// so an early exit shows up within this window.
const livenessWindow = 300 * time.Millisecond

// Config for the coordinator. Zero values fall back to tcpdump on PATH,
// the "any" interface and a 5s grace period.
type Config struct {
	Tool      string
	Interface string
	Dir       string
	Grace     time.Duration
}

type entry struct {
	capture model.Capture
	runner  *proc.Runner
}

// Coordinator owns the capture processes of all live jobs, keyed by job id.
type Coordinator struct {
	cfg     Config
	mx      sync.Mutex
	entries map[string]*entry
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Tool == "" {
		cfg.Tool = "tcpdump"
	}
	if cfg.Interface == "" {
		cfg.Interface = "any"
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}
	return &Coordinator{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// Begin starts the capture for jobID and returns once the process has
// survived the liveness window, i.e. once packets are actually being
// written. It must be called before the attack driver starts.
func (c *Coordinator) Begin(ctx context.Context, jobID, target string, progress proc.StderrFunc) (model.Capture, error) {
	if _, err := exec.LookPath(c.cfg.Tool); err != nil {
		return model.Capture{}, fmt.Errorf("%w: %s: %v", model.ErrToolUnavailable, c.cfg.Tool, err)
	}
	if err := os.MkdirAll(c.cfg.Dir, 0o755); err != nil {
		return model.Capture{}, fmt.Errorf("creating capture dir: %w", err)
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	if _, ok := c.entries[jobID]; ok {
		return model.Capture{}, fmt.Errorf("%w: job %s already has an active capture", model.ErrInvalidState, jobID)
	}

	path, err := c.filePath(target, jobID)
	if err != nil {
		return model.Capture{}, err
	}

	args := []string{
		"-i", c.cfg.Interface,
		"-w", path,
		"-s", "0", // full packet size
		"-n",
	}
	if target != "" {
		args = append(args, "host", target)
	}

	runner := proc.NewRunner()
	if err := runner.Start(ctx, proc.Command{Path: c.cfg.Tool, Args: args}, progress); err != nil {
		return model.Capture{}, fmt.Errorf("%w: starting %s: %v", model.ErrProcessFailure, c.cfg.Tool, err)
	}

	timer := time.NewTimer(livenessWindow)
	defer timer.Stop()
	select {
	case res := <-runner.ResultsChan():
		return model.Capture{}, fmt.Errorf("%w: %s exited during startup: %v", model.ErrProcessFailure, c.cfg.Tool, res.Err)
	case <-timer.C:
	}

	rec := model.Capture{
		ID:        uuid.NewString(),
		JobID:     jobID,
		FilePath:  path,
		CreatedAt: time.Now().UTC(),
	}
	c.entries[jobID] = &entry{capture: rec, runner: runner}
	return rec, nil
}

// Watch returns the channel yielding the capture process exit. The
// executor treats an exit before finalization as job fatal.
func (c *Coordinator) Watch(jobID string) (<-chan proc.Result, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	e, ok := c.entries[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: no capture for job %s", model.ErrNotFound, jobID)
	}
	return e.runner.ResultsChan(), nil
}

// Finalize stops the capture of jobID, flushes the file and records its
// final size. It is idempotent: any call after the first returns the
// already finalized record unchanged.
func (c *Coordinator) Finalize(jobID string) (model.Capture, error) {
	c.mx.Lock()
	defer c.mx.Unlock()

	e, ok := c.entries[jobID]
	if !ok {
		return model.Capture{}, fmt.Errorf("%w: no capture for job %s", model.ErrNotFound, jobID)
	}
	if e.capture.Finalized {
		return e.capture, nil
	}

	// Stop waits for process exit, after which the file is flushed. A
	// grace overrun means the process was killed; the file on disk is
	// still whatever tcpdump managed to write, so finalization proceeds.
	_ = e.runner.Stop(c.cfg.Grace)

	fi, err := os.Stat(e.capture.FilePath)
	if err != nil {
		return e.capture, fmt.Errorf("%w: %v", model.ErrFinalizationFailure, err)
	}
	e.capture.ByteSize = fi.Size()
	e.capture.Finalized = true
	return e.capture, nil
}

// Release drops the finished entry for jobID. Called by the executor after
// the terminal state is persisted.
func (c *Coordinator) Release(jobID string) {
	c.mx.Lock()
	defer c.mx.Unlock()
	delete(c.entries, jobID)
}

// Close force-kills every remaining capture process.
func (c *Coordinator) Close() {
	c.mx.Lock()
	defer c.mx.Unlock()
	for id, e := range c.entries {
		e.runner.Close()
		delete(c.entries, id)
	}
}

// filePath builds a per (target, job) capture path which cannot collide
// with any existing file.
func (c *Coordinator) filePath(target, jobID string) (string, error) {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	stamp := time.Now().UTC().Format("20060102_150405")
	base := fmt.Sprintf("capture_%s_%s_%s", sanitize(target), short, stamp)

	for i := 0; i < 100; i++ {
		name := base + ".pcap"
		if i > 0 {
			name = fmt.Sprintf("%s-%d.pcap", base, i)
		}
		path := filepath.Join(c.cfg.Dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no free capture path for %s", model.ErrFinalizationFailure, base)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
