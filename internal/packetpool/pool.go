// Package packetpool implements the process-singleton, byte-budgeted arena
// backing pre-detection buffers. It is constructed once and threaded
// through to every component that needs a Buffer, rather than reached via
// an ambient global.
package packetpool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/opensensor/lightnvr-go/internal/nvrerr"
)

const (
	// MinLimitBytes is the lower clamp for the computed memory ceiling.
	MinLimitBytes = 16 * 1024 * 1024
	// MaxLimitBytes is the upper clamp for the computed memory ceiling.
	MaxLimitBytes = 512 * 1024 * 1024
	// DefaultReserveBytes is reserved when no detection-enabled stream exists.
	DefaultReserveBytes = 16 * 1024 * 1024

	headroomFraction  = 0.20
	packetsPerSecond  = 1.2 * 15 // acquire's max_packets formula base
	bytesPerPixelBase = 0.1 / 8
)

// StreamEstimate is the input to recompute_limit's per-stream sizing:
// estimate_stream_bytes(w,h,fps,seconds).
type StreamEstimate struct {
	Width            int
	Height           int
	FPS              float64
	Seconds          int
	DetectionEnabled bool
}

// EstimateStreamBytes implements the per-stream sizing formula:
// max(2MB, ((w*h*fps*0.1/8) + 8000) * seconds * 1.25).
func EstimateStreamBytes(w, h int, fps float64, seconds int) int64 {
	perSecond := float64(w)*float64(h)*fps*bytesPerPixelBase + 8000
	total := perSecond * float64(seconds) * 1.25
	if total < 2*1024*1024 {
		total = 2 * 1024 * 1024
	}
	return int64(total)
}

// Mode selects a Buffer's storage backing.
type Mode int

const (
	// ModeMemory backs the buffer with an in-process packet ring.
	ModeMemory Mode = iota
	// ModeMmap backs the buffer with a file-backed mmap ring.
	ModeMmap
)

// Pool is the process-wide packet buffer arena.
type Pool struct {
	mu          sync.Mutex
	limitBytes  int64
	usedBytes   atomic.Int64
	buffers     map[string]*Buffer
	initialized bool
}

// New constructs an empty, uninitialized Pool.
func New() *Pool {
	return &Pool{buffers: make(map[string]*Buffer)}
}

// Init sets the initial byte ceiling. Must be called once per process.
func (p *Pool) Init(limitBytes int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nvrerr.New(nvrerr.ConfigurationError, "packetpool.Init", fmt.Errorf("pool already initialized"))
	}
	if limitBytes <= 0 {
		return nvrerr.New(nvrerr.Fatal, "packetpool.Init", fmt.Errorf("limit_bytes must be positive"))
	}
	p.limitBytes = limitBytes
	p.initialized = true
	return nil
}

// RecomputeLimit recomputes the global ceiling from live stream estimates.
func (p *Pool) RecomputeLimit(estimates []StreamEstimate) {
	var total int64
	hasDetection := false
	for _, e := range estimates {
		if !e.DetectionEnabled {
			continue
		}
		hasDetection = true
		total += EstimateStreamBytes(e.Width, e.Height, e.FPS, e.Seconds)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !hasDetection {
		p.limitBytes = DefaultReserveBytes
		return
	}

	total = int64(float64(total) * (1 + headroomFraction))
	if total < MinLimitBytes {
		total = MinLimitBytes
	}
	if total > MaxLimitBytes {
		total = MaxLimitBytes
	}
	p.limitBytes = total
}

// LimitBytes returns the current memory ceiling.
func (p *Pool) LimitBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limitBytes
}

// CurrentUsage returns the sum of all buffers' tracked usage.
func (p *Pool) CurrentUsage() int64 {
	return p.usedBytes.Load()
}

// Buffer is a pool-owned slot: a packet ring view into pool-accounted
// memory. Its mutex is lazily initialized at first Acquire — initializing
// before acquiring avoids a zeroed-while-locked race.
type Buffer struct {
	pool       *Pool
	streamName string
	mode       Mode
	maxPackets int

	mu      sync.Mutex
	slots   []packetSlot
	used    int64
}

type packetSlot struct {
	size int
}

// Acquire allocates a slot for streamName with capacity sized from
// seconds: max_packets = 1.2*15*seconds initially.
func (p *Pool) Acquire(streamName string, seconds int, mode Mode) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil, nvrerr.New(nvrerr.ConfigurationError, "packetpool.Acquire", fmt.Errorf("pool not initialized"))
	}
	if b, ok := p.buffers[streamName]; ok {
		return b, nil
	}

	maxPackets := int(packetsPerSecond * float64(seconds))
	if maxPackets < 1 {
		maxPackets = 1
	}

	b := &Buffer{
		pool:       p,
		streamName: streamName,
		mode:       mode,
		maxPackets: maxPackets,
		slots:      make([]packetSlot, 0, maxPackets),
	}
	p.buffers[streamName] = b
	return b, nil
}

// Release returns the buffer's accounted bytes to the pool and forgets it.
func (p *Pool) Release(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.buffers, b.streamName)
	b.mu.Lock()
	freed := b.used
	b.slots = nil
	b.used = 0
	b.mu.Unlock()
	p.usedBytes.Add(-freed)
}

// TryAdd accounts size bytes against the pool ceiling. Returns false
// (capacity exceeded) without blocking if the pool is at its limit —
// callers evict their own oldest entry first and retry, matching the
// "never block" overflow-handling requirement.
func (b *Buffer) TryAdd(size int) bool {
	limit := b.pool.LimitBytes()
	for {
		cur := b.pool.usedBytes.Load()
		if cur+int64(size) > limit {
			return false
		}
		if b.pool.usedBytes.CompareAndSwap(cur, cur+int64(size)) {
			b.mu.Lock()
			b.slots = append(b.slots, packetSlot{size: size})
			b.used += int64(size)
			b.mu.Unlock()
			return true
		}
	}
}

// Evict removes the oldest accounted slot and returns its size, or 0 if
// the buffer is empty.
func (b *Buffer) Evict() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.slots) == 0 {
		return 0
	}
	freed := b.slots[0].size
	b.slots = b.slots[1:]
	b.used -= int64(freed)
	b.pool.usedBytes.Add(-int64(freed))
	return freed
}

// Usage returns the buffer's currently accounted bytes.
func (b *Buffer) Usage() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Count returns the number of accounted slots.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}
