// Package prebuffer implements the pluggable pre-detection buffer.
// Four interchangeable strategies share one capability interface: a
// vtable-of-nullable-function-pointers pattern is re-architected here
// as a polymorphic Go interface where unsupported operations return an
// explicit ErrNotSupported rather than a null pointer the caller must
// probe.
package prebuffer

import (
	"context"
	"errors"
	"time"
)

// ErrNotSupported is returned by an operation a given strategy does not
// implement.
var ErrNotSupported = errors.New("operation not supported by this strategy")

// ErrNotFound is returned by add_segment when the referenced file is missing.
var ErrNotFound = errors.New("segment file not found")

// ErrFlushFailed is returned when a flush produced zero bytes.
var ErrFlushFailed = errors.New("flush produced no output")

// State is the pre-buffer's lifecycle state.
type State int

const (
	StateCreated State = iota
	StateInitialized
	StateReady
	StateFull
	StateDestroyed
)

// Stats is the common statistics surface every strategy reports.
type Stats struct {
	OldestTS       time.Time
	NewestTS       time.Time
	PacketCount    int
	KeyframeCount  int
	PacketsDropped uint64
	MemoryUsage    int64
}

// SegmentHint is the metadata the hls_segment strategy tracks per file.
type SegmentHint struct {
	Path      string
	Duration  time.Duration
	Protected bool
}

// Strategy is the capability interface every pre-buffer backing
// implements. Methods a strategy does not support return ErrNotSupported.
type Strategy interface {
	// Init prepares the strategy for streamName to retain roughly
	// targetSeconds of content.
	Init(ctx context.Context, streamName string, targetSeconds int) error

	// Destroy releases all resources. Idempotent.
	Destroy() error

	// AddPacket ingests one packet (memory_packet, mmap_hybrid).
	AddPacket(pkt Packet) error

	// AddSegment registers an existing file (hls_segment).
	AddSegment(hint SegmentHint) error

	// ProtectSegment marks path as exempt from eviction (hls_segment).
	ProtectSegment(path string) error

	// UnprotectSegment clears a previously set protection.
	UnprotectSegment(path string) error

	// GetSegments returns currently tracked segment hints (hls_segment).
	GetSegments() ([]SegmentHint, error)

	// FlushToFile promotes buffered content into a durable MP4 at path.
	// On success the file exists, is non-zero, and is playable; on
	// failure partial output is removed.
	FlushToFile(ctx context.Context, path string) error

	// FlushToCallback invokes cb once per buffered packet in FIFO order,
	// used by writers that want frame-at-a-time control instead of a
	// finished file. memory_packet starts at its newest keyframe, as its
	// FlushToFile does.
	FlushToCallback(ctx context.Context, cb func(Packet) error) error

	// GetStats returns the strategy's current statistics.
	GetStats() Stats

	// IsReady reports whether the buffer's window has reached the
	// minimum retention needed to be useful (≥1s, or ≥1 tracked segment
	// for hls_segment).
	IsReady() bool

	// Clear empties buffered content without destroying the strategy.
	Clear() error
}
