// Package stream implements a packet fan-out processor: it fans one
// packet stream out to up to eight writers, grounded on
// internal/pipeline/core/orchestrator.go's stage composition and
// internal/relay/processor.go's snapshot-then-release RLock discipline
// around its output set.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/opensensor/lightnvr-go/internal/timestamp"
)

// MaxOutputs bounds the fan-out per processor.
const MaxOutputs = 8

// ErrTooManyOutputs is returned by AddOutput once MaxOutputs are attached.
var ErrTooManyOutputs = errors.New("processor: output limit reached")

// ErrOutputNotFound is returned by RemoveOutput for an unknown id.
var ErrOutputNotFound = errors.New("processor: output not found")

// Kind identifies an output's role.
type Kind int

const (
	KindHLS Kind = iota
	KindMP4
	KindDetection
)

// Packet is the processor's wire type: a payload plus the timestamp
// fields timestamp.Tracker.Repair needs.
type Packet struct {
	Payload     []byte
	PTS         int64
	DTS         int64
	HasPTS      bool
	HasDTS      bool
	Keyframe    bool
	StreamIndex int
}

func (pkt Packet) toTimestamp() timestamp.Packet {
	return timestamp.Packet{PTS: pkt.PTS, DTS: pkt.DTS, HasPTS: pkt.HasPTS, HasDTS: pkt.HasDTS, Keyframe: pkt.Keyframe}
}

func (pkt Packet) withRepaired(r timestamp.Packet) Packet {
	pkt.PTS, pkt.DTS, pkt.HasPTS, pkt.HasDTS = r.PTS, r.DTS, r.HasPTS, r.HasDTS
	return pkt
}

// Writer receives repaired packets for HLS/MP4 outputs.
type Writer interface {
	WritePacket(pkt Packet, info StreamInfo) error
	Close() error
}

// StreamInfo carries the minimal per-stream description writers and the
// timestamp tracker need.
type StreamInfo struct {
	Name    string
	IsUDP   bool
	Profile timestamp.StreamProfile
}

// Output is one fan-out destination attached to a Processor.
type Output struct {
	ID       string
	Kind     Kind
	Writer   Writer          // HLS/MP4 only
	Interval int             // DETECTION only: frames between submissions
	Submit   func(pkt Packet) // DETECTION only: dispatcher submit

	frameCounter int
}

// Processor fans one reader's packets to its attached outputs.
type Processor struct {
	mu       sync.Mutex
	info     StreamInfo
	tracker  *timestamp.Tracker
	outputs  []*Output
	stopping bool
	errCount map[string]uint64
	logger   *slog.Logger
}

// New constructs a Processor for info, using tracker to repair
// timestamps before outputs see them.
func New(info StreamInfo, tracker *timestamp.Tracker, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{info: info, tracker: tracker, errCount: make(map[string]uint64), logger: logger}
}

// AddOutput attaches out, serialized by the processor's mutex.
func (p *Processor) AddOutput(out *Output) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.outputs) >= MaxOutputs {
		return ErrTooManyOutputs
	}
	p.outputs = append(p.outputs, out)
	return nil
}

// RemoveOutput detaches the output with id. The writer is closed after
// the mutex is released, to eliminate deadlocks against in-flight
// ProcessPacket calls.
func (p *Processor) RemoveOutput(id string) error {
	p.mu.Lock()
	var removed *Output
	idx := -1
	for i, o := range p.outputs {
		if o.ID == id {
			idx = i
			removed = o
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return ErrOutputNotFound
	}
	p.outputs = append(p.outputs[:idx], p.outputs[idx+1:]...)
	p.mu.Unlock()

	if removed.Writer != nil {
		return removed.Writer.Close()
	}
	return nil
}

// Stop marks the processor as stopping; subsequent ProcessPacket calls
// drop packets silently.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopping = true
}

// ProcessPacket repairs pkt's timestamps and fans it to every attached
// output.
func (p *Processor) ProcessPacket(ctx context.Context, raw Packet) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	// Snapshot the output vector, then release before any writer call.
	outs := make([]*Output, len(p.outputs))
	copy(outs, p.outputs)
	p.mu.Unlock()

	repairedTS, err := p.tracker.Repair(p.info.Name, p.info.Profile, raw.toTimestamp())
	repaired := raw
	if err != nil {
		p.logger.Warn("timestamp repair failed", slog.String("stream", p.info.Name), slog.String("error", err.Error()))
	} else {
		repaired = raw.withRepaired(repairedTS)
	}

	for _, out := range outs {
		switch out.Kind {
		case KindHLS, KindMP4:
			if err := out.Writer.WritePacket(repaired, p.info); err != nil {
				p.recordWriterError(out.ID, err)
			}
		case KindDetection:
			p.mu.Lock()
			out.frameCounter++
			fire := out.frameCounter >= out.Interval
			if fire {
				out.frameCounter = 0
			}
			p.mu.Unlock()
			if fire && out.Submit != nil {
				out.Submit(repaired)
			}
		}
	}
}

// recordWriterError counts a writer error without making it fatal.
func (p *Processor) recordWriterError(outputID string, err error) {
	p.mu.Lock()
	p.errCount[outputID]++
	count := p.errCount[outputID]
	p.mu.Unlock()

	// Rate-limit: only log every 50th occurrence per output past the
	// first handful, avoiding log storms on a persistently failing writer.
	if count <= 5 || count%50 == 0 {
		p.logger.Warn("writer error",
			slog.String("stream", p.info.Name),
			slog.String("output", outputID),
			slog.Uint64("count", count),
			slog.String("error", err.Error()))
	}
}

// OutputCount returns the number of attached outputs.
func (p *Processor) OutputCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outputs)
}
