// Package model holds the data types shared between the scheduler, the
// executor and the persistence layer.
package model

import (
	"time"
)

// JobKind identifies one registered experiment type. The set is closed at
// process startup; see the attack package registry.
type JobKind string

const (
	KindSYN  JobKind = "syn"
	KindUDP  JobKind = "udp"
	KindICMP JobKind = "icmp"
	KindACK  JobKind = "ack"
	KindFrag JobKind = "frag"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusStopped   JobStatus = "stopped"
)

// Terminal reports whether no further transition may leave s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// CanTransition reports whether the from -> to transition is legal.
// Pending may become Running or Failed (startup reconciliation), Running
// may reach any terminal state, terminal states are absorbing.
func CanTransition(from, to JobStatus) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to.Terminal()
	}
	return false
}

// Job is one scheduled flood experiment.
type Job struct {
	ID          string
	Kind        JobKind
	Target      string
	Duration    time.Duration
	Status      JobStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	CaptureID   string
	Err         string
}

// Capture is the packet capture artifact owned by exactly one Job.
type Capture struct {
	ID        string
	JobID     string
	FilePath  string
	ByteSize  int64
	Finalized bool
	CreatedAt time.Time
}
