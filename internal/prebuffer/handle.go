package prebuffer

import (
	"context"
	"fmt"
	"sync"
)

// Handle wraps a Strategy with the stream/seconds_target/stats bookkeeping
// and lifecycle state machine:
//
//	created → initialized → ready ⇌ full → (cleared | re-initialized) → destroyed
//
// Every strategy-facing call goes through a Handle rather than the raw
// Strategy so state transitions stay centralized in one place.
type Handle struct {
	mu            sync.Mutex
	streamName    string
	targetSeconds int
	strategy      Strategy
	state         State
	lastDropped   uint64
}

// NewHandle wraps strategy in state StateCreated.
func NewHandle(strategy Strategy) *Handle {
	return &Handle{strategy: strategy, state: StateCreated}
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// StreamName returns the stream this handle was initialized for.
func (h *Handle) StreamName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamName
}

// Initialize transitions created → initialized.
func (h *Handle) Initialize(ctx context.Context, streamName string, targetSeconds int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateDestroyed {
		return fmt.Errorf("prebuffer: cannot initialize a destroyed handle")
	}

	if err := h.strategy.Init(ctx, streamName, targetSeconds); err != nil {
		return fmt.Errorf("initializing pre-buffer strategy: %w", err)
	}
	h.streamName = streamName
	h.targetSeconds = targetSeconds
	h.state = StateInitialized
	return nil
}

// AddPacket ingests one packet and refreshes the ready/full state.
func (h *Handle) AddPacket(pkt Packet) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.requireActiveLocked(); err != nil {
		return err
	}
	err := h.strategy.AddPacket(pkt)
	h.refreshStateLocked()
	return err
}

// AddSegment registers an existing file and refreshes the ready/full state.
func (h *Handle) AddSegment(hint SegmentHint) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.requireActiveLocked(); err != nil {
		return err
	}
	err := h.strategy.AddSegment(hint)
	h.refreshStateLocked()
	return err
}

// ProtectSegment proxies to the underlying strategy.
func (h *Handle) ProtectSegment(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireActiveLocked(); err != nil {
		return err
	}
	return h.strategy.ProtectSegment(path)
}

// UnprotectSegment proxies to the underlying strategy.
func (h *Handle) UnprotectSegment(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireActiveLocked(); err != nil {
		return err
	}
	return h.strategy.UnprotectSegment(path)
}

// GetSegments proxies to the underlying strategy.
func (h *Handle) GetSegments() ([]SegmentHint, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.requireActiveLocked(); err != nil {
		return nil, err
	}
	return h.strategy.GetSegments()
}

// FlushToFile promotes buffered content to a durable file. On success the
// handle returns to StateInitialized (cleared) or stays initialized after
// a strategy that re-creates its own upstream session (go2rtc_native).
func (h *Handle) FlushToFile(ctx context.Context, path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.requireActiveLocked(); err != nil {
		return err
	}
	if err := h.strategy.FlushToFile(ctx, path); err != nil {
		return err
	}
	h.state = StateInitialized
	h.lastDropped = 0
	return nil
}

// FlushToCallback drains buffered content frame-at-a-time via cb.
func (h *Handle) FlushToCallback(ctx context.Context, cb func(Packet) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.requireActiveLocked(); err != nil {
		return err
	}
	if err := h.strategy.FlushToCallback(ctx, cb); err != nil {
		return err
	}
	h.state = StateInitialized
	h.lastDropped = 0
	return nil
}

// GetStats proxies to the underlying strategy.
func (h *Handle) GetStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.strategy.GetStats()
}

// Clear empties buffered content and returns to StateInitialized.
func (h *Handle) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateDestroyed {
		return fmt.Errorf("prebuffer: cannot clear a destroyed handle")
	}
	if err := h.strategy.Clear(); err != nil {
		return err
	}
	h.state = StateInitialized
	h.lastDropped = 0
	return nil
}

// Destroy releases all resources and transitions to StateDestroyed.
// Idempotent.
func (h *Handle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateDestroyed {
		return nil
	}
	err := h.strategy.Destroy()
	h.state = StateDestroyed
	return err
}

func (h *Handle) requireActiveLocked() error {
	if h.state == StateCreated {
		return fmt.Errorf("prebuffer: handle not initialized")
	}
	if h.state == StateDestroyed {
		return fmt.Errorf("prebuffer: handle destroyed")
	}
	return nil
}

// refreshStateLocked moves initialized → ready once the strategy reports
// readiness, and oscillates ready ⇌ full as drops accumulate.
func (h *Handle) refreshStateLocked() {
	if h.state == StateCreated || h.state == StateDestroyed {
		return
	}

	stats := h.strategy.GetStats()
	full := stats.PacketsDropped > h.lastDropped
	h.lastDropped = stats.PacketsDropped

	switch {
	case full:
		h.state = StateFull
	case h.strategy.IsReady():
		h.state = StateReady
	default:
		h.state = StateInitialized
	}
}
