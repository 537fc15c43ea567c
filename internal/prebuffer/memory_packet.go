package prebuffer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/opensensor/lightnvr-go/internal/packetpool"
)

// MemoryPacketStrategy retains packets in an in-process ring. Eviction is FIFO by wall-clock arrival, exactly
// the shape of internal/relay/segment_buffer.go's AddSegment loop.
type MemoryPacketStrategy struct {
	mu            sync.Mutex
	streamName    string
	targetSeconds int
	packets       []Packet
	buf           *packetpool.Buffer
	pool          *packetpool.Pool
	dropped       uint64
	keyframes     int

	// muxFunc produces an MP4 file from a FIFO packet sequence. Grounded
	// on internal/daemon/fmp4_muxer.go; injected so this package has no
	// hard dependency on a specific container library choice.
	muxFunc func(ctx context.Context, path string, packets []Packet) error
}

// NewMemoryPacketStrategy constructs a strategy backed by pool.
func NewMemoryPacketStrategy(pool *packetpool.Pool, muxFunc func(context.Context, string, []Packet) error) *MemoryPacketStrategy {
	return &MemoryPacketStrategy{pool: pool, muxFunc: muxFunc}
}

func (s *MemoryPacketStrategy) Init(_ context.Context, streamName string, targetSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, err := s.pool.Acquire(streamName, targetSeconds, packetpool.ModeMemory)
	if err != nil {
		return fmt.Errorf("acquiring pool buffer: %w", err)
	}
	s.streamName = streamName
	s.targetSeconds = targetSeconds
	s.buf = buf
	s.packets = nil
	return nil
}

func (s *MemoryPacketStrategy) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf != nil {
		s.pool.Release(s.buf)
		s.buf = nil
	}
	s.packets = nil
	return nil
}

// AddPacket clones pkt, evicts the oldest on overflow, and updates the
// keyframe counter.
func (s *MemoryPacketStrategy) AddPacket(pkt Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := pkt.Clone()
	clone.ArrivedAt = time.Now()

	for !s.buf.TryAdd(clone.Size()) {
		if s.buf.Count() == 0 {
			// Single packet larger than the whole budget: drop it.
			s.dropped++
			return nil
		}
		s.buf.Evict()
		if len(s.packets) > 0 {
			if s.packets[0].Keyframe {
				s.keyframes--
			}
			s.packets = s.packets[1:]
			s.dropped++
		}
	}

	if clone.Keyframe {
		s.keyframes++
	}
	s.packets = append(s.packets, clone)
	return nil
}

func (s *MemoryPacketStrategy) AddSegment(SegmentHint) error      { return ErrNotSupported }
func (s *MemoryPacketStrategy) ProtectSegment(string) error       { return ErrNotSupported }
func (s *MemoryPacketStrategy) UnprotectSegment(string) error     { return ErrNotSupported }
func (s *MemoryPacketStrategy) GetSegments() ([]SegmentHint, error) { return nil, ErrNotSupported }

// FlushToFile remuxes the ring, starting from the nearest prior keyframe
// for GOP alignment.
func (s *MemoryPacketStrategy) FlushToFile(ctx context.Context, path string) error {
	s.mu.Lock()
	packets := s.gopAlignedSnapshot()
	s.mu.Unlock()

	if len(packets) == 0 {
		return ErrFlushFailed
	}

	if err := s.muxFunc(ctx, path, packets); err != nil {
		os.Remove(path)
		return fmt.Errorf("muxing flush output: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		os.Remove(path)
		return ErrFlushFailed
	}

	s.mu.Lock()
	s.packets = nil
	s.keyframes = 0
	s.mu.Unlock()
	return nil
}

func (s *MemoryPacketStrategy) FlushToCallback(_ context.Context, cb func(Packet) error) error {
	s.mu.Lock()
	packets := s.gopAlignedSnapshot()
	s.mu.Unlock()

	for _, pkt := range packets {
		if err := cb(pkt); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.packets = nil
	s.keyframes = 0
	s.mu.Unlock()
	return nil
}

// gopAlignedSnapshot returns a copy of the ring starting at the nearest
// prior keyframe, caller must hold s.mu.
func (s *MemoryPacketStrategy) gopAlignedSnapshot() []Packet {
	start := 0
	for i, p := range s.packets {
		if p.Keyframe {
			start = i
		}
	}
	out := make([]Packet, len(s.packets)-start)
	copy(out, s.packets[start:])
	return out
}

func (s *MemoryPacketStrategy) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		PacketCount:    len(s.packets),
		KeyframeCount:  s.keyframes,
		PacketsDropped: s.dropped,
	}
	if s.buf != nil {
		st.MemoryUsage = s.buf.Usage()
	}
	if len(s.packets) > 0 {
		st.OldestTS = s.packets[0].ArrivedAt
		st.NewestTS = s.packets[len(s.packets)-1].ArrivedAt
	}
	return st
}

func (s *MemoryPacketStrategy) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.packets) == 0 {
		return false
	}
	return s.packets[len(s.packets)-1].ArrivedAt.Sub(s.packets[0].ArrivedAt) >= time.Second
}

func (s *MemoryPacketStrategy) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Count() > 0 {
		s.buf.Evict()
	}
	s.packets = nil
	s.keyframes = 0
	return nil
}

var _ Strategy = (*MemoryPacketStrategy)(nil)
