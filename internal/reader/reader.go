// Package reader implements a dedicated
// read-retry-callback loop per input, grounded on
// internal/relay/ingest.go's runIngestLoop retry/backoff shape and its
// CompareAndSwap-guarded start/stop lifecycle.
package reader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyStarted is returned by Start on a reader already running.
var ErrAlreadyStarted = errors.New("reader already started")

// ErrJoinTimeout is returned by Stop when the read loop does not exit
// within the bounded join timeout; the goroutine is left to exit on its
// own and the shutdown coordinator is expected to surface this.
var ErrJoinTimeout = errors.New("reader join timed out, goroutine detached")

const (
	reopenDelay = time.Second
	joinTimeout = 5 * time.Second
)

// Status is returned by a Callback to tell the reader loop whether to
// continue or stop.
type Status int

const (
	StatusContinue Status = iota
	StatusStop
)

// Packet is one compressed access unit read from a Source.
type Packet struct {
	Payload     []byte
	PTS         int64
	DTS         int64
	StreamIndex int
	Keyframe    bool
}

// StreamInfo describes the input's elementary streams, as reported by
// Source.Open.
type StreamInfo struct {
	Name       string
	VideoIndex int
	AudioIndex int
	Width      int
	Height     int
	FPSNum     int
	FPSDen     int
}

// Source abstracts the protocol-specific transport (RTSP, UDP-MPEGTS,
// ...). A Reader owns a Source's lifecycle: Open once, ReadPacket in a
// loop, Close on EOF/error/shutdown.
type Source interface {
	Open(ctx context.Context) (StreamInfo, error)
	ReadPacket(ctx context.Context) (Packet, error)
	Close() error
}

// SourceFactory constructs a fresh Source for one open attempt. A new
// Source is requested on every reopen so transport state (sockets,
// RTSP session) never survives a failed read.
type SourceFactory func() Source

// Callback receives one validated packet. Returning StatusStop ends the
// reader's loop as if the running flag had been cleared.
type Callback func(pkt Packet, info StreamInfo) Status

// Reader runs SourceFactory's Source on a dedicated goroutine, retrying
// opens and reads under a cooperative running flag.
type Reader struct {
	name    string
	factory SourceFactory
	cb      Callback
	logger  *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Reader for name, not yet started.
func New(name string, factory SourceFactory, cb Callback, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{name: name, factory: factory, cb: cb, logger: logger, done: make(chan struct{})}
}

// Start begins the read loop. Returns ErrAlreadyStarted if already running.
func (r *Reader) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	var loopCtx context.Context
	loopCtx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.done)
		r.loop(loopCtx)
	}()
	return nil
}

// Stop clears the running flag and cancels the loop's context, then
// joins with a bounded timeout. On timeout it returns ErrJoinTimeout
// without blocking further; the goroutine is left to finish on its own.
func (r *Reader) Stop() error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}

	joined := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(joined)
	}()

	select {
	case <-joined:
		return nil
	case <-time.After(joinTimeout):
		return ErrJoinTimeout
	}
}

// IsRunning reports whether Start has been called and Stop has not. It
// stays true after the loop exits on its own (callback StatusStop or
// context cancellation); use Done to observe the loop's exit.
func (r *Reader) IsRunning() bool {
	return r.running.Load()
}

// Done returns a channel closed when the read loop exits, whatever the
// cause (stop, callback StatusStop, or context cancellation).
func (r *Reader) Done() <-chan struct{} {
	return r.done
}

func (r *Reader) loop(ctx context.Context) {
	for r.running.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !r.runOnce(ctx) {
			return
		}
	}
}

// runOnce opens one Source and reads from it until EOF, error, or
// StatusStop; it returns false when the reader should exit entirely
// rather than reopen.
func (r *Reader) runOnce(ctx context.Context) bool {
	src := r.factory()
	info, err := src.Open(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		r.logger.Warn("reader open failed, retrying",
			slog.String("stream", r.name), slog.String("error", err.Error()))
		return r.waitForRetry(ctx)
	}
	defer src.Close()

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if !r.running.Load() {
			return false
		}

		pkt, err := src.ReadPacket(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return false
			}
			// EOF or transient AGAIN: close (deferred), sleep, reopen.
			r.logger.Debug("reader read ended, reopening",
				slog.String("stream", r.name), slog.String("error", err.Error()))
			return r.waitForRetry(ctx)
		}

		select {
		case <-ctx.Done():
			return false
		default:
		}
		if !r.running.Load() {
			return false
		}

		if pkt.Payload == nil || len(pkt.Payload) == 0 {
			continue
		}
		if pkt.StreamIndex != info.VideoIndex && pkt.StreamIndex != info.AudioIndex {
			continue
		}

		if r.cb(pkt, info) == StatusStop {
			return false
		}
	}
}

// waitForRetry sleeps reopenDelay, bounded by ctx/running, then reports
// whether the caller should attempt another open (true) or exit (false).
func (r *Reader) waitForRetry(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(reopenDelay):
		return r.running.Load()
	}
}
