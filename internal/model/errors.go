package model

import (
	"errors"
)

var (
	// ErrInvalidParameters rejects a submission before any resource is used.
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrNotFound means the job (or its capture) is unknown.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState means the operation is illegal for the current status,
	// e.g. stopping a job which is not running.
	ErrInvalidState = errors.New("invalid state")
	// ErrToolUnavailable means the external binary a driver needs is missing.
	ErrToolUnavailable = errors.New("tool unavailable")
	// ErrProcessFailure means the attack or capture process exited abnormally.
	ErrProcessFailure = errors.New("process failure")
	// ErrFinalizationFailure means the capture file could not be closed out.
	ErrFinalizationFailure = errors.New("finalization failure")
	// ErrShutdownTimeout means a child ignored the cooperative stop and had
	// to be killed after the grace period.
	ErrShutdownTimeout = errors.New("shutdown grace period exceeded")
)
