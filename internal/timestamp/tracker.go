// Package timestamp repairs PTS/DTS on packets from lossy transports.
//
// A single Tracker instance owns a fixed-size table of per-stream slots,
// following the "process-wide state as an owned container" idiom
// rather than an ambient global — the
// caller constructs one Tracker and threads it through.
package timestamp

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensensor/lightnvr-go/internal/nvrerr"
)

// MaxTrackedStreams is the fixed tracker-table size.
const MaxTrackedStreams = 32

// discontinuityLogEvery rate-limits logging for discontinuities between
// 10x and 100x the expected frame duration.
const discontinuityLogEvery = 10

// StreamProfile supplies the hints repair needs when no packet history
// exists yet.
type StreamProfile struct {
	AvgFrameRateNum int64
	AvgFrameRateDen int64
	TimeBaseNum     int64
	TimeBaseDen     int64
}

// frameDuration computes the expected inter-frame PTS delta: prefer
// avg_frame_rate, fall back to time_base.den/(30*time_base.num), final
// fallback 3000 ticks.
func (p StreamProfile) frameDuration() int64 {
	if p.AvgFrameRateNum > 0 && p.AvgFrameRateDen > 0 && p.TimeBaseNum > 0 && p.TimeBaseDen > 0 {
		d := p.AvgFrameRateDen * p.TimeBaseDen / (p.AvgFrameRateNum * p.TimeBaseNum)
		if d > 0 {
			return d
		}
	}
	if p.TimeBaseNum > 0 && p.TimeBaseDen > 0 {
		d := p.TimeBaseDen / (30 * p.TimeBaseNum)
		if d > 0 {
			return d
		}
	}
	return 3000
}

// Packet is the minimal timestamp-bearing view repair operates on. Callers
// embed or convert their own packet type into this shape.
type Packet struct {
	PTS      int64
	DTS      int64
	HasPTS   bool
	HasDTS   bool
	Keyframe bool
}

type slot struct {
	inUse              bool
	name               string
	lastPTS            int64
	lastDTS            int64
	expectedNextPTS    int64
	discontinuityCount uint64
	isUDP              bool
	hasHistory         bool
}

// Tracker owns the fixed-size per-stream timestamp-repair table.
type Tracker struct {
	mu     sync.Mutex
	slots  [MaxTrackedStreams]slot
	byName map[string]int
	logger *slog.Logger
}

// New constructs an empty Tracker.
func New(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		byName: make(map[string]int, MaxTrackedStreams),
		logger: logger.With(slog.String("component", "timestamp_tracker")),
	}
}

// Register allocates a tracker slot for name. Idempotent: calling it again
// for an already-registered name is a no-op.
func (t *Tracker) Register(name string, isUDP bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byName[name]; ok {
		return nil
	}

	for i := range t.slots {
		if !t.slots[i].inUse {
			t.slots[i] = slot{inUse: true, name: name, isUDP: isUDP}
			t.byName[name] = i
			return nil
		}
	}
	return nvrerr.New(nvrerr.Capacity, "timestamp.Register", fmt.Errorf("tracker table full (max %d)", MaxTrackedStreams))
}

// Remove frees the slot for name.
func (t *Tracker) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.byName[name]; ok {
		t.slots[i] = slot{}
		delete(t.byName, name)
	}
}

// Reset zeroes timestamps for name but keeps its is_udp flag.
func (t *Tracker) Reset(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, ok := t.byName[name]; ok {
		isUDP := t.slots[i].isUDP
		t.slots[i] = slot{inUse: true, name: name, isUDP: isUDP}
	}
}

// Repair applies the timestamp repair steps to pkt and returns the
// corrected value. The tracker must already be registered for name.
func (t *Tracker) Repair(name string, profile StreamProfile, pkt Packet) (Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.byName[name]
	if !ok {
		return pkt, nvrerr.New(nvrerr.InvalidInput, "timestamp.Repair", fmt.Errorf("stream %q not registered", name))
	}
	s := &t.slots[i]
	frameDur := profile.frameDuration()

	switch {
	case pkt.HasPTS && !pkt.HasDTS:
		pkt.DTS = pkt.PTS
		pkt.HasDTS = true
	case !pkt.HasPTS && pkt.HasDTS:
		pkt.PTS = pkt.DTS
		pkt.HasPTS = true
	case !pkt.HasPTS && !pkt.HasDTS:
		if s.hasHistory {
			pkt.PTS = s.lastPTS + frameDur
			pkt.DTS = pkt.PTS
		} else {
			// Never 0 — downstream muxers reject it.
			pkt.PTS = 1
			pkt.DTS = 1
		}
		pkt.HasPTS = true
		pkt.HasDTS = true
	}

	if s.hasHistory {
		expected := s.lastPTS + frameDur
		diff := pkt.PTS - expected
		if diff < 0 {
			diff = -diff
		}
		switch {
		case diff > 100*frameDur:
			pkt.PTS = expected
			pkt.DTS = expected
			s.discontinuityCount++
			t.logger.Warn("timestamp discontinuity corrected",
				slog.String("stream", name),
				slog.Int64("expected", expected),
				slog.Uint64("discontinuity_count", s.discontinuityCount))
		case diff > 10*frameDur:
			s.discontinuityCount++
			if s.discontinuityCount%discontinuityLogEvery == 0 {
				t.logger.Info("timestamp drift observed",
					slog.String("stream", name),
					slog.Int64("expected", expected),
					slog.Int64("actual", pkt.PTS))
			}
		}
		s.expectedNextPTS = expected
	}

	s.lastPTS = pkt.PTS
	s.lastDTS = pkt.DTS
	s.hasHistory = true

	return pkt, nil
}

// DiscontinuityCount returns the current discontinuity counter for name.
func (t *Tracker) DiscontinuityCount(name string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.byName[name]; ok {
		return t.slots[i].discontinuityCount
	}
	return 0
}
