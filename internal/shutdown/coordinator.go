// Package shutdown implements the priority-ordered component lifecycle
// registry: components register with a name, kind, and priority;
// Shutdown walks them lowest-priority-first, requests a stopping
// transition, and waits up to each component's own deadline before
// detaching and moving on to the next one.
package shutdown

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensensor/lightnvr-go/internal/threadutil"
)

// State is a shutdown component's lifecycle state.
type State int

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stopper is what a registered component implements so the coordinator can
// drive it through stopping. Stop is handed a deadline-bounded context;
// implementations should make a best effort to finish inside it but are not
// forcibly killed if they don't — the coordinator detaches instead.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Component is a shutdown component record. Lower priority stops first.
type Component struct {
	ID       uint64
	Name     string
	Kind     string
	Priority uint8
	Deadline time.Duration

	stopper Stopper
	state   atomic.Int32
}

// State returns the component's current lifecycle state.
func (c *Component) State() State {
	return State(c.state.Load())
}

func (c *Component) setState(s State) {
	c.state.Store(int32(s))
}

// Residual is reported for a component that failed to reach stopped before
// its deadline.
type Residual struct {
	Name     string
	Kind     string
	Priority uint8
}

// Coordinator tracks registered components and drives an ordered shutdown.
type Coordinator struct {
	mu         sync.Mutex
	components []*Component
	nextID     uint64
	initiated  atomic.Bool
	logger     *slog.Logger
}

// New constructs a Coordinator.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger.With(slog.String("component", "shutdown_coordinator"))}
}

// Register adds a component to the registry in the running state. deadline
// is how long Shutdown waits for this component's Stop to return before
// detaching it and moving on.
func (c *Coordinator) Register(name, kind string, priority uint8, deadline time.Duration, stopper Stopper) *Component {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	comp := &Component{
		ID:       c.nextID,
		Name:     name,
		Kind:     kind,
		Priority: priority,
		Deadline: deadline,
		stopper:  stopper,
	}
	comp.setState(StateRunning)
	c.components = append(c.components, comp)
	return comp
}

// Unregister removes a component record once it has acknowledged stopped.
func (c *Coordinator) Unregister(comp *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.components {
		if existing == comp {
			c.components = append(c.components[:i], c.components[i+1:]...)
			return
		}
	}
}

// ShutdownInitiated reports whether Shutdown has been called. Every
// long-running loop in the process polls this at least once per outer
// iteration and at every bounded sleep tick.
func (c *Coordinator) ShutdownInitiated() bool {
	return c.initiated.Load()
}

// Shutdown marks the shutdown flag, then walks registered components in
// ascending priority order, requesting stopping and waiting up to each
// component's deadline. A component that doesn't acknowledge stopped in
// time is detached (via threadutil.JoinWithTimeout) rather than blocking
// the rest of the walk. Returns the components that never reached stopped.
func (c *Coordinator) Shutdown(ctx context.Context) []Residual {
	c.initiated.Store(true)
	c.logger.Info("shutdown initiated")

	c.mu.Lock()
	ordered := make([]*Component, len(c.components))
	copy(ordered, c.components)
	c.mu.Unlock()

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })

	var residual []Residual
	for _, comp := range ordered {
		if comp.State() == StateStopped {
			continue
		}
		c.logger.Info("stopping component",
			slog.String("name", comp.Name), slog.String("kind", comp.Kind),
			slog.Int("priority", int(comp.Priority)))
		comp.setState(StateStopping)

		done := threadutil.NewJoiner()
		stopCtx, cancel := context.WithTimeout(ctx, comp.Deadline)

		go func(comp *Component, stopCtx context.Context) {
			defer done.MarkDone()
			if comp.stopper == nil {
				return
			}
			if err := comp.stopper.Stop(stopCtx); err != nil {
				c.logger.Warn("component stop returned error",
					slog.String("name", comp.Name), slog.Any("error", err))
			}
		}(comp, stopCtx)

		result := threadutil.JoinWithTimeout(ctx, done.Done(), comp.Deadline, func() {
			c.logger.Warn("component joined after deadline, already reported residual",
				slog.String("name", comp.Name))
			comp.setState(StateStopped)
		})
		cancel()

		if result.Joined {
			comp.setState(StateStopped)
		} else {
			residual = append(residual, Residual{Name: comp.Name, Kind: comp.Kind, Priority: comp.Priority})
			c.logger.Warn("component did not stop before its deadline, detaching",
				slog.String("name", comp.Name), slog.Duration("deadline", comp.Deadline))
		}
	}

	if len(residual) > 0 {
		c.logger.Warn("shutdown completed with residual components", slog.Int("count", len(residual)))
	} else {
		c.logger.Info("shutdown completed cleanly")
	}
	return residual
}

// Residuals reports components still not in the stopped state, without
// initiating a shutdown. Useful for an introspection endpoint.
func (c *Coordinator) Residuals() []Residual {
	c.mu.Lock()
	defer c.mu.Unlock()

	var residual []Residual
	for _, comp := range c.components {
		if comp.State() != StateStopped {
			residual = append(residual, Residual{Name: comp.Name, Kind: comp.Kind, Priority: comp.Priority})
		}
	}
	return residual
}
