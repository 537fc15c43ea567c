package prebuffer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// HLSSegmentStrategy tracks existing HLS segment files instead of copying
// their bytes. It scans <hls>/<stream>/*.ts
// and maintains mtime order; protection exempts a file from eviction.
type HLSSegmentStrategy struct {
	mu         sync.Mutex
	hlsDir     string
	streamName string
	segments   []trackedSegment

	concatFunc func(ctx context.Context, paths []string, outPath string) error
}

type trackedSegment struct {
	path      string
	duration  time.Duration
	bytes     int64
	mtime     time.Time
	protected bool
}

// NewHLSSegmentStrategy constructs a strategy rooted at hlsDir (parent of
// per-stream segment directories).
func NewHLSSegmentStrategy(hlsDir string, concatFunc func(context.Context, []string, string) error) *HLSSegmentStrategy {
	return &HLSSegmentStrategy{hlsDir: hlsDir, concatFunc: concatFunc}
}

func (s *HLSSegmentStrategy) Init(_ context.Context, streamName string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streamName = streamName
	return s.scanLocked()
}

// scanLocked scans <hls>/<stream>/*.ts and sorts by mtime.
func (s *HLSSegmentStrategy) scanLocked() error {
	dir := filepath.Join(s.hlsDir, s.streamName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.segments = nil
			return nil
		}
		return fmt.Errorf("scanning hls segment dir: %w", err)
	}

	var found []trackedSegment
	existingProtected := make(map[string]bool, len(s.segments))
	for _, seg := range s.segments {
		if seg.protected {
			existingProtected[seg.path] = true
		}
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".ts" {
			continue
		}
		full := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, trackedSegment{
			path:      full,
			bytes:     info.Size(),
			mtime:     info.ModTime(),
			protected: existingProtected[full],
		})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].mtime.Before(found[j].mtime) })
	s.segments = found
	return nil
}

func (s *HLSSegmentStrategy) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = nil
	return nil
}

func (s *HLSSegmentStrategy) AddPacket(Packet) error { return ErrNotSupported }

// AddSegment adds a hint for a tracked file. Returns ErrNotFound if the
// file does not exist.
func (s *HLSSegmentStrategy) AddSegment(hint SegmentHint) error {
	if _, err := os.Stat(hint.Path); err != nil {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.segments {
		if s.segments[i].path == hint.Path {
			s.segments[i].duration = hint.Duration
			s.segments[i].protected = hint.Protected
			return nil
		}
	}

	info, err := os.Stat(hint.Path)
	if err != nil {
		return ErrNotFound
	}
	s.segments = append(s.segments, trackedSegment{
		path:      hint.Path,
		duration:  hint.Duration,
		bytes:     info.Size(),
		mtime:     info.ModTime(),
		protected: hint.Protected,
	})
	sort.Slice(s.segments, func(i, j int) bool { return s.segments[i].mtime.Before(s.segments[j].mtime) })
	return nil
}

func (s *HLSSegmentStrategy) ProtectSegment(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.segments {
		if s.segments[i].path == path {
			s.segments[i].protected = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *HLSSegmentStrategy) UnprotectSegment(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.segments {
		if s.segments[i].path == path {
			s.segments[i].protected = false
			return nil
		}
	}
	return ErrNotFound
}

func (s *HLSSegmentStrategy) GetSegments() ([]SegmentHint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SegmentHint, len(s.segments))
	for i, seg := range s.segments {
		out[i] = SegmentHint{Path: seg.path, Duration: seg.duration, Protected: seg.protected}
	}
	return out, nil
}

// IsProtected reports whether path is currently exempt from this
// strategy's eviction.
func (s *HLSSegmentStrategy) IsProtected(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		if seg.path == path {
			return seg.protected
		}
	}
	return false
}

// FlushToFile concatenates all tracked .ts files into one .mp4 at path.
func (s *HLSSegmentStrategy) FlushToFile(ctx context.Context, path string) error {
	s.mu.Lock()
	paths := make([]string, len(s.segments))
	for i, seg := range s.segments {
		paths[i] = seg.path
	}
	s.mu.Unlock()

	if len(paths) == 0 {
		return ErrFlushFailed
	}

	if err := s.concatFunc(ctx, paths, path); err != nil {
		os.Remove(path)
		return fmt.Errorf("concatenating tracked segments: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		os.Remove(path)
		return ErrFlushFailed
	}

	// hls_segment unprotects all segments it had protected after a
	// successful flush.
	s.mu.Lock()
	for i := range s.segments {
		s.segments[i].protected = false
	}
	s.mu.Unlock()
	return nil
}

func (s *HLSSegmentStrategy) FlushToCallback(context.Context, func(Packet) error) error {
	return ErrNotSupported
}

func (s *HLSSegmentStrategy) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{PacketCount: len(s.segments)}
	var total int64
	for _, seg := range s.segments {
		total += seg.bytes
	}
	st.MemoryUsage = total
	if len(s.segments) > 0 {
		st.OldestTS = s.segments[0].mtime
		st.NewestTS = s.segments[len(s.segments)-1].mtime
	}
	return st
}

func (s *HLSSegmentStrategy) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments) >= 1
}

func (s *HLSSegmentStrategy) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = nil
	return nil
}

var _ Strategy = (*HLSSegmentStrategy)(nil)
