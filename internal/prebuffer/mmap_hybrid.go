package prebuffer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opensensor/lightnvr-go/internal/prebuffer/mmapring"
)

// estimatedFPS is used to size the mmap ring file ahead of time: the
// file is pre-allocated with estimated_fps * buffer_seconds * 2 slots.
const estimatedFPS = 30

// MmapHybridStrategy backs the pre-buffer with a disk-resident mmap ring
// at <storage>/buffer/<stream>.mmap.
type MmapHybridStrategy struct {
	mu         sync.Mutex
	storageDir string
	streamName string
	ring       *mmapring.Ring
	entryCount uint32
	dropped    uint64

	muxFunc func(ctx context.Context, path string, entries []mmapring.Entry) error
}

// NewMmapHybridStrategy constructs a strategy rooted at storageDir
// (parent of the "buffer" subdirectory).
func NewMmapHybridStrategy(storageDir string, muxFunc func(context.Context, string, []mmapring.Entry) error) *MmapHybridStrategy {
	return &MmapHybridStrategy{storageDir: storageDir, muxFunc: muxFunc}
}

func (s *MmapHybridStrategy) ringPath() string {
	return filepath.Join(s.storageDir, "buffer", s.streamName+".mmap")
}

func (s *MmapHybridStrategy) Init(_ context.Context, streamName string, targetSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streamName = streamName
	if err := os.MkdirAll(filepath.Join(s.storageDir, "buffer"), 0o750); err != nil {
		return fmt.Errorf("creating buffer dir: %w", err)
	}

	entryCount := uint32(estimatedFPS * targetSeconds * 2)
	if entryCount == 0 {
		entryCount = 1
	}
	s.entryCount = entryCount

	path := s.ringPath()
	if _, err := os.Stat(path); err == nil {
		r, openErr := mmapring.Open(path)
		if openErr == nil {
			s.ring = r
			return nil
		}
		// Corrupt or mismatched header: recreate fresh.
	}

	r, err := mmapring.Create(path, streamName, entryCount)
	if err != nil {
		return fmt.Errorf("creating mmap ring: %w", err)
	}
	s.ring = r
	return nil
}

func (s *MmapHybridStrategy) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ring == nil {
		return nil
	}
	err := s.ring.Close()
	s.ring = nil
	return err
}

func (s *MmapHybridStrategy) AddPacket(pkt Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(pkt.Payload) > mmapring.MaxPayloadSize {
		s.dropped++
		return nil
	}
	return s.ring.Write(pkt.PTS, pkt.DTS, int32(pkt.StreamIdx), pkt.Keyframe, time.Now().UnixNano(), pkt.Payload)
}

func (s *MmapHybridStrategy) AddSegment(SegmentHint) error      { return ErrNotSupported }
func (s *MmapHybridStrategy) ProtectSegment(string) error       { return ErrNotSupported }
func (s *MmapHybridStrategy) UnprotectSegment(string) error     { return ErrNotSupported }
func (s *MmapHybridStrategy) GetSegments() ([]SegmentHint, error) { return nil, ErrNotSupported }

func (s *MmapHybridStrategy) FlushToFile(ctx context.Context, path string) error {
	s.mu.Lock()
	entries := s.ring.ReadAll()
	s.mu.Unlock()

	if len(entries) == 0 {
		return ErrFlushFailed
	}

	if err := s.muxFunc(ctx, path, entries); err != nil {
		os.Remove(path)
		return fmt.Errorf("muxing mmap flush output: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		os.Remove(path)
		return ErrFlushFailed
	}

	return s.Clear()
}

func (s *MmapHybridStrategy) FlushToCallback(_ context.Context, cb func(Packet) error) error {
	s.mu.Lock()
	entries := s.ring.ReadAll()
	s.mu.Unlock()

	for _, e := range entries {
		pkt := Packet{
			Payload:   e.Payload,
			PTS:       e.Header.PTS,
			DTS:       e.Header.DTS,
			StreamIdx: int(e.Header.StreamIndex),
			Keyframe:  e.Header.Flags&mmapring.FlagKeyframe != 0,
		}
		if err := cb(pkt); err != nil {
			return err
		}
	}
	return s.Clear()
}

func (s *MmapHybridStrategy) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.ring.ReadAll()
	st := Stats{PacketCount: len(entries), PacketsDropped: s.dropped}
	for _, e := range entries {
		if e.Header.Flags&mmapring.FlagKeyframe != 0 {
			st.KeyframeCount++
		}
	}
	if len(entries) > 0 {
		st.OldestTS = time.Unix(0, entries[0].Header.Timestamp)
		st.NewestTS = time.Unix(0, entries[len(entries)-1].Header.Timestamp)
	}
	return st
}

func (s *MmapHybridStrategy) IsReady() bool {
	st := s.GetStats()
	if st.PacketCount == 0 {
		return false
	}
	return st.NewestTS.Sub(st.OldestTS) >= time.Second
}

func (s *MmapHybridStrategy) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Recreate the file fresh rather than walking the ring to zero
	// entries in place; simplest way to guarantee a clean head/tail.
	path := s.ringPath()
	if err := s.ring.Close(); err != nil {
		return err
	}
	r, err := mmapring.Create(path, s.streamName, s.entryCount)
	if err != nil {
		return fmt.Errorf("recreating mmap ring after clear: %w", err)
	}
	s.ring = r
	return nil
}

var _ Strategy = (*MmapHybridStrategy)(nil)
