// Package rtspsource implements a reader.Source over RTSP/RTP, grounded
// on github.com/bluenviron/gortsplib/v4 — the RTSP client library the
// retrieved mediamtx manifest depends on for exactly this purpose. It
// replaces the FFmpeg-subprocess transport internal/relay/ingest.go used
// for the IPTV relay's UDP-MPEGTS inputs: the NVR instead reads RTSP
// camera feeds directly, depacketizing H.264/H.265 RTP into Annex-B
// access units and feeding them to a reader.Reader's read loop.
package rtspsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph265"
	"github.com/pion/rtp"

	"github.com/opensensor/lightnvr-go/internal/config"
	"github.com/opensensor/lightnvr-go/internal/reader"
)

// packetQueueSize bounds the depacketized-AU queue between gortsplib's
// callback goroutine and Reader's pull-based ReadPacket loop.
const packetQueueSize = 256

// ErrNoSupportedCodec is returned by Open when the session description
// carries no H.264 or H.265 video media.
var ErrNoSupportedCodec = errors.New("rtspsource: no supported video codec in stream description")

// ErrQueueClosed is returned by ReadPacket once the source has stopped
// delivering packets (connection closed or Close called).
var ErrQueueClosed = errors.New("rtspsource: packet queue closed")

// Source implements reader.Source for one RTSP camera using gortsplib's
// Client. A fresh Source (and thus a fresh gortsplib.Client and RTSP
// session) is created by the reader.SourceFactory on every reopen.
type Source struct {
	rawURL    string
	transport string
	logger    *slog.Logger

	client *gortsplib.Client
	queue  chan reader.Packet
	errCh  chan error
}

// NewFactory returns a reader.SourceFactory constructing a fresh Source
// per open attempt, configured from one stream's config.StreamConfig.
func NewFactory(cfg config.StreamConfig, logger *slog.Logger) reader.SourceFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func() reader.Source {
		return &Source{rawURL: cfg.URL, transport: cfg.Transport, logger: logger}
	}
}

// Open connects, describes, sets up and plays the session, registering
// RTP callbacks that depacketize into reader.Packet and push to an
// internal queue drained by ReadPacket.
func (s *Source) Open(ctx context.Context) (reader.StreamInfo, error) {
	u, err := url.Parse(s.rawURL)
	if err != nil {
		return reader.StreamInfo{}, fmt.Errorf("rtspsource: parsing url: %w", err)
	}

	s.client = &gortsplib.Client{}
	switch s.transport {
	case "udp":
		t := gortsplib.TransportUDP
		s.client.Transport = &t
	default:
		t := gortsplib.TransportTCP
		s.client.Transport = &t
	}

	if err := s.client.Start(u.Scheme, u.Host); err != nil {
		return reader.StreamInfo{}, fmt.Errorf("rtspsource: connecting: %w", err)
	}

	desc, _, err := s.client.Describe(u)
	if err != nil {
		s.client.Close()
		return reader.StreamInfo{}, fmt.Errorf("rtspsource: describe: %w", err)
	}

	s.queue = make(chan reader.Packet, packetQueueSize)
	s.errCh = make(chan error, 1)

	info := reader.StreamInfo{Name: u.Path, VideoIndex: -1, AudioIndex: -1}

	for i, media := range desc.Medias {
		for _, forma := range media.Formats {
			idx := i
			media := media
			switch f := forma.(type) {
			case *format.H264:
				dec, dErr := f.CreateDecoder()
				if dErr != nil {
					continue
				}
				info.VideoIndex = idx
				s.client.OnPacketRTP(media, forma, s.handleH264(idx, media, dec))
			case *format.H265:
				dec, dErr := f.CreateDecoder()
				if dErr != nil {
					continue
				}
				info.VideoIndex = idx
				s.client.OnPacketRTP(media, forma, s.handleH265(idx, media, dec))
			case *format.G711, *format.MPEG4Audio:
				info.AudioIndex = idx
			}
		}
	}

	if info.VideoIndex < 0 {
		s.client.Close()
		return reader.StreamInfo{}, ErrNoSupportedCodec
	}

	if _, err := s.client.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		s.client.Close()
		return reader.StreamInfo{}, fmt.Errorf("rtspsource: setup: %w", err)
	}

	if _, err := s.client.Play(nil); err != nil {
		s.client.Close()
		return reader.StreamInfo{}, fmt.Errorf("rtspsource: play: %w", err)
	}

	return info, nil
}

// ReadPacket blocks until the next depacketized access unit is queued,
// the session reports an error, or ctx is cancelled.
func (s *Source) ReadPacket(ctx context.Context) (reader.Packet, error) {
	select {
	case <-ctx.Done():
		return reader.Packet{}, ctx.Err()
	case err := <-s.errCh:
		return reader.Packet{}, err
	case pkt, ok := <-s.queue:
		if !ok {
			return reader.Packet{}, ErrQueueClosed
		}
		return pkt, nil
	}
}

// Close tears down the RTSP session. Safe to call after a failed Open.
func (s *Source) Close() error {
	if s.client == nil {
		return nil
	}
	s.client.Close()
	return nil
}

func (s *Source) handleH264(streamIndex int, media *description.Media, dec *rtph264.Decoder) func(*rtp.Packet) {
	return func(pkt *rtp.Packet) {
		aus, err := dec.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) &&
				!errors.Is(err, rtph264.ErrMorePacketsNeeded) {
				s.logger.Debug("h264 depacketize error", slog.String("error", err.Error()))
			}
			return
		}
		pts, ok := s.client.PacketPTS2(media, pkt)
		if !ok {
			return
		}
		s.deliver(streamIndex, aus, pts)
	}
}

func (s *Source) handleH265(streamIndex int, media *description.Media, dec *rtph265.Decoder) func(*rtp.Packet) {
	return func(pkt *rtp.Packet) {
		aus, err := dec.Decode(pkt)
		if err != nil {
			if !errors.Is(err, rtph265.ErrNonStartingPacketAndNoPrevious) &&
				!errors.Is(err, rtph265.ErrMorePacketsNeeded) {
				s.logger.Debug("h265 depacketize error", slog.String("error", err.Error()))
			}
			return
		}
		pts, ok := s.client.PacketPTS2(media, pkt)
		if !ok {
			return
		}
		s.deliver(streamIndex, aus, pts)
	}
}

// deliver Annex-B-encodes one access unit's NAL units and enqueues it,
// dropping the packet if the queue is saturated rather than blocking the
// gortsplib callback goroutine.
func (s *Source) deliver(streamIndex int, au [][]byte, pts time.Duration) {
	payload := annexBEncode(au)
	if len(payload) == 0 {
		return
	}

	out := reader.Packet{
		Payload:     payload,
		PTS:         ptsToClock(pts),
		DTS:         ptsToClock(pts),
		StreamIndex: streamIndex,
		Keyframe:    containsKeyframe(au),
	}

	select {
	case s.queue <- out:
	default:
		s.logger.Warn("rtspsource queue full, dropping access unit")
	}
}

// clockRate is the 90kHz media clock used throughout the recording
// pipeline (mp4writer's fmp4 track timescale, hlswriter's PTS units).
const clockRate = 90000

func ptsToClock(d time.Duration) int64 {
	return int64(d) * clockRate / int64(time.Second)
}

// annexBEncode concatenates NAL units with 4-byte start codes, the
// format mp4writer.dataToAccessUnit and hlswriter's H264 track both
// expect from an upstream Payload.
func annexBEncode(au [][]byte) []byte {
	size := 0
	for _, nalu := range au {
		size += 4 + len(nalu)
	}
	if size == 0 {
		return nil
	}
	out := make([]byte, 0, size)
	startCode := []byte{0x00, 0x00, 0x00, 0x01}
	for _, nalu := range au {
		out = append(out, startCode...)
		out = append(out, nalu...)
	}
	return out
}

// containsKeyframe reports whether au carries an H.264 IDR slice (type
// 5) or an H.265 IDR/CRA slice (types 19-21).
func containsKeyframe(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		h264Type := nalu[0] & 0x1F
		if h264Type == 5 {
			return true
		}
		h265Type := (nalu[0] >> 1) & 0x3F
		if h265Type >= 19 && h265Type <= 21 {
			return true
		}
	}
	return false
}
