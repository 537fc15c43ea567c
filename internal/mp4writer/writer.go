// Package mp4writer implements an MP4 writer, producing fragmented
// MP4 output via mediacommon/v2's fmp4 package. It is a single-video-track
// (H.264) generalization of internal/daemon/fmp4_muxer.go's
// WriteVideo/Flush/writeInit/writeFragment lifecycle, adapted to write
// directly to a file instead of feeding an FFmpeg stdin pipe.
//
// "+faststart" is realized here as fmp4's init-segment
// (moov-equivalent) being written before any sample data, rather than a
// post-hoc moov rewrite of a flat MP4 — the same "playable before fully
// downloaded" property the original format flag targets.
package mp4writer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"

	"github.com/opensensor/lightnvr-go/internal/pipeline/stream"
)

const (
	videoTrackID   = 1
	videoTimeScale = 90000
)

// seekableBuffer adapts bytes.Buffer to io.WriteSeeker, exactly as
// internal/daemon/fmp4_muxer.go's helper of the same name does, since
// fmp4.Init/Part.Marshal require Seek.
type seekableBuffer struct {
	*bytes.Buffer
	pos int64
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	if int(s.pos) > s.Buffer.Len() {
		s.Buffer.Write(make([]byte, int(s.pos)-s.Buffer.Len()))
	}
	var n int
	var err error
	if int(s.pos) == s.Buffer.Len() {
		n, err = s.Buffer.Write(p)
	} else {
		b := s.Buffer.Bytes()
		n = copy(b[s.pos:], p)
		if n < len(p) {
			m, werr := s.Buffer.Write(p[n:])
			if werr != nil {
				return n, werr
			}
			n += m
		}
	}
	s.pos += int64(n)
	return n, err
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		newPos = int64(s.Buffer.Len()) + offset
	default:
		return 0, fmt.Errorf("invalid whence")
	}
	if newPos < 0 {
		return 0, fmt.Errorf("negative position")
	}
	s.pos = newPos
	return newPos, nil
}

// Writer produces a rolling fMP4 file, one video track, from a
// continuous sequence of repaired packets. It implements
// stream.Writer so a Stream Processor can attach it as an MP4 output.
type Writer struct {
	mu   sync.Mutex
	file *os.File

	sps, pps    []byte
	initialized bool
	seq         uint32
	baseTime    uint64
	lastPTS     int64
	samples     []*fmp4.Sample
}

// New opens path and returns a Writer ready to accept packets. Nothing
// is written until the first keyframe carrying SPS/PPS arrives.
func New(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating mp4 output: %w", err)
	}
	return &Writer{file: f}, nil
}

// WritePacket implements stream.Writer.
func (w *Writer) WritePacket(pkt stream.Packet, _ stream.StreamInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addLocked(pkt.Payload, pkt.PTS, pkt.DTS, pkt.Keyframe)
}

// WriteFrame is the low-level, package-agnostic entry point used when
// promoting an already-collected packet sequence (e.g. a pre-buffer
// flush) rather than a live stream.Packet feed.
func (w *Writer) WriteFrame(payload []byte, pts, dts int64, keyframe bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addLocked(payload, pts, dts, keyframe)
}

func (w *Writer) addLocked(payload []byte, pts, dts int64, keyframe bool) error {
	if len(payload) == 0 {
		return nil
	}

	if keyframe {
		w.extractParamsLocked(payload)
	}

	if !w.initialized {
		if w.sps == nil || w.pps == nil {
			return nil // buffering until parameters are available
		}
		if err := w.writeInitLocked(); err != nil {
			return err
		}
		w.initialized = true
	}

	au := dataToAccessUnit(payload)
	sample := &fmp4.Sample{
		Duration:        3000,
		PTSOffset:       int32(pts - dts),
		IsNonSyncSample: !keyframe,
	}
	if w.lastPTS > 0 && pts > w.lastPTS {
		sample.Duration = uint32(pts - w.lastPTS)
	}
	if err := sample.FillH264(sample.PTSOffset, au); err != nil {
		return fmt.Errorf("filling h264 sample: %w", err)
	}
	w.lastPTS = pts
	w.samples = append(w.samples, sample)
	return nil
}

// extractParamsLocked scans payload's NAL units for SPS/PPS.
func (w *Writer) extractParamsLocked(payload []byte) {
	for _, nalu := range dataToAccessUnit(payload) {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			w.sps = append([]byte(nil), nalu...)
		case h264.NALUTypePPS:
			w.pps = append([]byte(nil), nalu...)
		}
	}
}

func dataToAccessUnit(data []byte) [][]byte {
	if len(data) >= 4 && data[0] == 0x00 && data[1] == 0x00 &&
		(data[2] == 0x01 || (data[2] == 0x00 && data[3] == 0x01)) {
		var au h264.AnnexB
		if err := au.Unmarshal(data); err == nil {
			return au
		}
	}
	return [][]byte{data}
}

func (w *Writer) writeInitLocked() error {
	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        videoTrackID,
			TimeScale: videoTimeScale,
			Codec:     &mp4.CodecH264{SPS: w.sps, PPS: w.pps},
		}},
	}

	var buf bytes.Buffer
	if err := init.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		return fmt.Errorf("marshaling mp4 init segment: %w", err)
	}
	_, err := w.file.Write(buf.Bytes())
	return err
}

// Flush writes any buffered samples as one fragment.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if !w.initialized || len(w.samples) == 0 {
		return nil
	}

	part := &fmp4.Part{
		SequenceNumber: w.seq,
		Tracks: []*fmp4.PartTrack{{
			ID:       videoTrackID,
			BaseTime: w.baseTime,
			Samples:  w.samples,
		}},
	}
	for _, s := range w.samples {
		w.baseTime += uint64(s.Duration)
	}
	w.samples = nil
	w.seq++

	var buf bytes.Buffer
	if err := part.Marshal(&seekableBuffer{Buffer: &buf}); err != nil {
		return fmt.Errorf("marshaling mp4 fragment: %w", err)
	}
	_, err := w.file.Write(buf.Bytes())
	return err
}

// Close flushes remaining samples and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	flushErr := w.flushLocked()
	f := w.file
	w.mu.Unlock()

	closeErr := f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

var _ stream.Writer = (*Writer)(nil)
