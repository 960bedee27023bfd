// Package attack implements the traffic generators for the registered
// experiment kinds. Every driver wraps one long-lived external process
// whose lifetime is owned by the job executor.
package attack

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/iotbench/floodctl/internal/model"
	"github.com/iotbench/floodctl/internal/proc"
)

// DefaultPort is the destination port used by port-based floods. It
// matches the testbed's device control port.
const DefaultPort = 55443

// Spec describes one attack run.
type Spec struct {
	Target     string
	Port       int // 0 means DefaultPort
	Duration   time.Duration
	Interface  string
	SourceAddr string // empty means derive from Interface
}

// Driver generates one flood pattern. Start returns once the process is
// spawned; Results yields its exit. Stop is cooperative first, forceful
// after the grace period.
type Driver interface {
	Kind() model.JobKind
	// Available verifies the external tool exists before any resource use.
	Available() error
	Start(ctx context.Context, spec Spec, progress proc.StderrFunc) error
	Stop(grace time.Duration) error
	Results() <-chan proc.Result
	// Close force-kills a still running process. Used on abandon paths.
	Close()
}

// Factory builds a driver. The tool argument is the configured binary
// override for the kind; factories that need no external binary ignore it.
type Factory func(tool string) Driver

var registry = map[model.JobKind]Factory{}

// Register adds an experiment kind to the registry. It must be called
// during process startup (init or before the scheduler starts); the
// registry is read-only afterwards. Duplicate kinds panic.
func Register(kind model.JobKind, f Factory) {
	if _, dup := registry[kind]; dup {
		panic(fmt.Sprintf("attack: kind %q registered twice", kind))
	}
	registry[kind] = f
}

// New builds a driver for kind, or ErrInvalidParameters for an unknown one.
func New(kind model.JobKind, tool string) (Driver, error) {
	f, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown experiment kind %q", model.ErrInvalidParameters, kind)
	}
	return f(tool), nil
}

// Registered reports whether kind is known.
func Registered(kind model.JobKind) bool {
	_, ok := registry[kind]
	return ok
}

// Kinds returns the registered kinds, sorted.
func Kinds() []model.JobKind {
	kinds := make([]model.JobKind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}
