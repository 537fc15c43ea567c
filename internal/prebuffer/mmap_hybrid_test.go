package prebuffer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/opensensor/lightnvr-go/internal/prebuffer/mmapring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeMmapMuxOK(_ context.Context, path string, _ []mmapring.Entry) error {
	return fakeMuxOK(context.Background(), path, nil)
}

func TestMmapHybrid_InitCreatesRingFile(t *testing.T) {
	dir := t.TempDir()
	s := NewMmapHybridStrategy(dir, fakeMmapMuxOK)
	require.NoError(t, s.Init(context.Background(), "cam1", 2))
	defer s.Destroy()

	_, err := filepath.Glob(filepath.Join(dir, "buffer", "cam1.mmap"))
	require.NoError(t, err)
}

func TestMmapHybrid_AddPacketAndFlush(t *testing.T) {
	dir := t.TempDir()
	s := NewMmapHybridStrategy(dir, fakeMmapMuxOK)
	require.NoError(t, s.Init(context.Background(), "cam1", 2))
	defer s.Destroy()

	require.NoError(t, s.AddPacket(Packet{Payload: []byte("a"), Keyframe: true, PTS: 1}))
	require.NoError(t, s.AddPacket(Packet{Payload: []byte("b"), PTS: 2}))

	stats := s.GetStats()
	assert.Equal(t, 2, stats.PacketCount)

	out := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, s.FlushToFile(context.Background(), out))

	stats = s.GetStats()
	assert.Equal(t, 0, stats.PacketCount)
}

func TestMmapHybrid_OversizedPacketDroppedNotErrored(t *testing.T) {
	dir := t.TempDir()
	s := NewMmapHybridStrategy(dir, fakeMmapMuxOK)
	require.NoError(t, s.Init(context.Background(), "cam1", 2))
	defer s.Destroy()

	err := s.AddPacket(Packet{Payload: make([]byte, mmapring.MaxPayloadSize+1)})
	require.NoError(t, err)

	stats := s.GetStats()
	assert.Equal(t, uint64(1), stats.PacketsDropped)
}

func TestMmapHybrid_UnsupportedOperationsReturnSentinel(t *testing.T) {
	dir := t.TempDir()
	s := NewMmapHybridStrategy(dir, fakeMmapMuxOK)
	assert.ErrorIs(t, s.AddSegment(SegmentHint{}), ErrNotSupported)
	assert.ErrorIs(t, s.ProtectSegment(""), ErrNotSupported)
	assert.ErrorIs(t, s.UnprotectSegment(""), ErrNotSupported)
	_, err := s.GetSegments()
	assert.ErrorIs(t, err, ErrNotSupported)
}
