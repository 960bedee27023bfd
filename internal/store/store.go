// Package store is the persistence boundary for job and capture records.
// The scheduler only talks to the Store interface; the sqlite
// implementation backs the daemon, the in-memory one backs one-shot runs
// and tests.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/iotbench/floodctl/internal/model"
)

// Store persists jobs and captures. UpdateJob enforces the lifecycle
// state machine: transitions out of a terminal state are rejected with
// model.ErrInvalidState.
type Store interface {
	CreateJob(ctx context.Context, job model.Job) error
	UpdateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListJobs(ctx context.Context) ([]model.Job, error)

	CreateCapture(ctx context.Context, c model.Capture) error
	UpdateCapture(ctx context.Context, c model.Capture) error
	CaptureByJob(ctx context.Context, jobID string) (model.Capture, error)

	// ReconcileOrphans moves every pending or running job to failed with
	// the given reason. It runs on startup, before any executor exists,
	// so any such row belongs to a scheduler that died.
	ReconcileOrphans(ctx context.Context, reason string) (int, error)

	Close() error
}

// Memory is the in-process Store.
type Memory struct {
	mx       sync.RWMutex
	jobs     map[string]model.Job
	captures map[string]model.Capture // keyed by job id
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]model.Job),
		captures: make(map[string]model.Capture),
	}
}

func (m *Memory) CreateJob(_ context.Context, job model.Job) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("%w: job %s already exists", model.ErrInvalidState, job.ID)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) UpdateJob(_ context.Context, job model.Job) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("%w: job %s", model.ErrNotFound, job.ID)
	}
	if cur.Status != job.Status && !model.CanTransition(cur.Status, job.Status) {
		return fmt.Errorf("%w: job %s cannot move %s -> %s",
			model.ErrInvalidState, job.ID, cur.Status, job.Status)
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (model.Job, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: job %s", model.ErrNotFound, id)
	}
	return job, nil
}

func (m *Memory) ListJobs(_ context.Context) ([]model.Job, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	jobs := make([]model.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
	})
	return jobs, nil
}

func (m *Memory) CreateCapture(_ context.Context, c model.Capture) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.captures[c.JobID]; ok {
		return fmt.Errorf("%w: job %s already has a capture", model.ErrInvalidState, c.JobID)
	}
	m.captures[c.JobID] = c
	return nil
}

func (m *Memory) UpdateCapture(_ context.Context, c model.Capture) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	if _, ok := m.captures[c.JobID]; !ok {
		return fmt.Errorf("%w: capture for job %s", model.ErrNotFound, c.JobID)
	}
	m.captures[c.JobID] = c
	return nil
}

func (m *Memory) CaptureByJob(_ context.Context, jobID string) (model.Capture, error) {
	m.mx.RLock()
	defer m.mx.RUnlock()
	c, ok := m.captures[jobID]
	if !ok {
		return model.Capture{}, fmt.Errorf("%w: capture for job %s", model.ErrNotFound, jobID)
	}
	return c, nil
}

func (m *Memory) ReconcileOrphans(_ context.Context, reason string) (int, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	now := time.Now().UTC()
	var n int
	for id, job := range m.jobs {
		if job.Status.Terminal() {
			continue
		}
		job.Status = model.StatusFailed
		job.Err = reason
		job.FinishedAt = &now
		m.jobs[id] = job
		n++
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
