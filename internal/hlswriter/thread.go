package hlswriter

import (
	"context"
	"log/slog"

	"github.com/opensensor/lightnvr-go/internal/pipeline/stream"
	"github.com/opensensor/lightnvr-go/internal/reader"
)

// AlwaysOnThread reads directly from an input using the same retry
// semantics as the stream reader, for when no shared reader exists for
// always-on HLS. ShutdownPriority (60) is the largest priority value in
// use, so the shutdown coordinator stops a writer registered at it last.
type AlwaysOnThread struct {
	r *reader.Reader
	w *Writer
}

// NewAlwaysOnThread wires factory directly to w, converting reader
// packets into stream.Packet before handing them to the writer.
func NewAlwaysOnThread(name string, factory reader.SourceFactory, w *Writer, logger *slog.Logger) *AlwaysOnThread {
	info := stream.StreamInfo{Name: name}

	cb := func(pkt reader.Packet, _ reader.StreamInfo) reader.Status {
		_ = w.WritePacket(stream.Packet{
			Payload:     pkt.Payload,
			PTS:         pkt.PTS,
			DTS:         pkt.DTS,
			HasPTS:      true,
			HasDTS:      true,
			Keyframe:    pkt.Keyframe,
			StreamIndex: pkt.StreamIndex,
		}, info)
		return reader.StatusContinue
	}

	return &AlwaysOnThread{r: reader.New(name, factory, cb, logger), w: w}
}

// Start begins the underlying reader.
func (t *AlwaysOnThread) Start(ctx context.Context) error {
	return t.r.Start(ctx)
}

// Stop joins the reader with its bounded timeout, then closes the writer.
func (t *AlwaysOnThread) Stop() error {
	readerErr := t.r.Stop()
	if err := t.w.Close(); err != nil {
		return err
	}
	return readerErr
}

// ShutdownPriority is the priority this thread registers at with the
// shutdown coordinator.
const ShutdownPriority = 60
