package hlswriter

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensensor/lightnvr-go/internal/pipeline/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_CreatesOutputDir(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{StorageDir: dir, StreamName: "cam1", SyncInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	info, err := os.Stat(filepath.Join(dir, "hls", "cam1"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWriter_WritePacketAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{StorageDir: dir, StreamName: "cam1", SyncInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.WritePacket(stream.Packet{Payload: []byte("x"), Keyframe: true}, stream.StreamInfo{})
	assert.Error(t, err)
}

func TestWriter_CloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{StorageDir: dir, StreamName: "cam1", SyncInterval: 20 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}

func TestWriter_ImplementsStreamWriter(t *testing.T) {
	var _ stream.Writer = (*Writer)(nil)
}
