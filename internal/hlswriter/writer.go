// Package hlswriter implements a rolling playlist and segment writer
// backed by gohlslib.Muxer, grounded on internal/relay/hls_muxer.go's
// AddTrack/Start/Write*/Close lifecycle. Unlike that HTTP-only muxer,
// this writer periodically pulls the muxer's current playlist and
// segments through its own Handle and persists them under
// <storage>/hls/<stream>/ so the pre-buffer and storage manager can
// operate on real files.
package hlswriter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	gohlslib "github.com/bluenviron/gohlslib/v2"
	"github.com/bluenviron/gohlslib/v2/pkg/codecs"

	"github.com/opensensor/lightnvr-go/internal/pipeline/stream"
)

// keyframePause is the pacing hint permitted after a keyframe; the
// writer must never force a manual muxer flush on keyframes.
const keyframePause = 3 * time.Millisecond

var segmentRefRE = regexp.MustCompile(`([A-Za-z0-9._-]+\.(?:ts|m4s|mp4))`)

// Config configures a Writer.
type Config struct {
	StorageDir         string
	StreamName         string
	SegmentCount       int
	SegmentMinDuration time.Duration
	SyncInterval       time.Duration
	Logger             *slog.Logger
}

func (c *Config) setDefaults() {
	if c.SegmentCount == 0 {
		c.SegmentCount = 7
	}
	if c.SegmentMinDuration == 0 {
		c.SegmentMinDuration = time.Second
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = c.SegmentMinDuration / 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Writer owns a gohlslib.Muxer and serializes all writes behind one
// mutex.
type Writer struct {
	cfg   Config
	mu    sync.Mutex
	muxer *gohlslib.Muxer
	track *gohlslib.Track

	dir        string
	knownFiles map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New constructs and starts a Writer for one video track. Additional
// codecs can be layered on later; re-encoding is out of scope, so the
// writer only ever repackages already-compressed access units.
func New(cfg Config) (*Writer, error) {
	cfg.setDefaults()

	dir := filepath.Join(cfg.StorageDir, "hls", cfg.StreamName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating hls output dir: %w", err)
	}

	track := &gohlslib.Track{Codec: &codecs.H264{}}
	muxer := &gohlslib.Muxer{
		Variant:            gohlslib.MuxerVariantMPEGTS,
		SegmentCount:       cfg.SegmentCount,
		SegmentMinDuration: cfg.SegmentMinDuration,
		Tracks:             []*gohlslib.Track{track},
	}
	if err := muxer.Start(); err != nil {
		return nil, fmt.Errorf("starting hls muxer: %w", err)
	}

	w := &Writer{cfg: cfg, muxer: muxer, track: track, dir: dir, knownFiles: make(map[string]bool)}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.syncLoop(ctx)
	}()

	return w, nil
}

// WritePacket implements stream.Writer: it repackages pkt into an H264
// access unit and, after a keyframe, applies the short pacing pause
// instead of forcing a flush.
func (w *Writer) WritePacket(pkt stream.Packet, _ stream.StreamInfo) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("hlswriter: writer closed")
	}

	if err := w.muxer.WriteH264(w.track, time.Now(), pkt.PTS, [][]byte{pkt.Payload}); err != nil {
		return fmt.Errorf("writing hls access unit: %w", err)
	}

	if pkt.Keyframe {
		time.Sleep(keyframePause)
	}
	return nil
}

// Close writes the trailer, stops the sync goroutine, and performs one
// final sync to disk.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	muxer := w.muxer
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()

	w.syncOnce()
	muxer.Close()
	return nil
}

func (w *Writer) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.syncOnce()
		}
	}
}

// syncOnce fetches the live playlist through the muxer's own HTTP
// handler (via an in-memory recorder) and persists the playlist plus
// any segments it references that aren't already on disk.
func (w *Writer) syncOnce() {
	w.mu.Lock()
	muxer := w.muxer
	w.mu.Unlock()
	if muxer == nil {
		return
	}

	playlist, ok := w.fetch(muxer, "/index.m3u8")
	if !ok {
		return
	}
	if err := os.WriteFile(filepath.Join(w.dir, "index.m3u8"), playlist, 0o644); err != nil {
		w.cfg.Logger.Warn("writing hls playlist", slog.String("stream", w.cfg.StreamName), slog.String("error", err.Error()))
		return
	}

	for _, name := range segmentRefRE.FindAllString(string(playlist), -1) {
		w.mu.Lock()
		known := w.knownFiles[name]
		w.mu.Unlock()
		if known {
			continue
		}
		data, ok := w.fetch(muxer, "/"+name)
		if !ok {
			continue
		}
		if err := os.WriteFile(filepath.Join(w.dir, name), data, 0o644); err != nil {
			w.cfg.Logger.Warn("writing hls segment", slog.String("stream", w.cfg.StreamName), slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		w.mu.Lock()
		w.knownFiles[name] = true
		w.mu.Unlock()
	}
}

func (w *Writer) fetch(muxer *gohlslib.Muxer, path string) ([]byte, bool) {
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	muxer.Handle(rec, req)
	if rec.Code != 200 {
		return nil, false
	}
	return rec.Body.Bytes(), true
}

// Dir returns the on-disk segment directory for this stream.
func (w *Writer) Dir() string {
	return w.dir
}

var _ stream.Writer = (*Writer)(nil)
