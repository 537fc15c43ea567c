package prebuffer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_LifecycleCreatedToInitialized(t *testing.T) {
	pool := newTestPool(t)
	strategy := NewMemoryPacketStrategy(pool, fakeMuxOK)
	h := NewHandle(strategy)

	assert.Equal(t, StateCreated, h.State())

	require.NoError(t, h.Initialize(context.Background(), "cam1", 2))
	assert.Equal(t, StateInitialized, h.State())

	require.NoError(t, h.AddPacket(Packet{Payload: []byte("a"), Keyframe: true}))
	require.NoError(t, h.AddPacket(Packet{Payload: []byte("b")}))
	// IsReady requires a >=1s window; packets added back-to-back in a
	// test don't span that, so the handle stays initialized rather than
	// ready. The readiness transition itself is covered at the strategy
	// level (see packetpool/prebuffer strategy tests).
	assert.Equal(t, StateInitialized, h.State())
}

func TestHandle_FlushReturnsToInitialized(t *testing.T) {
	pool := newTestPool(t)
	strategy := NewMemoryPacketStrategy(pool, fakeMuxOK)
	h := NewHandle(strategy)
	require.NoError(t, h.Initialize(context.Background(), "cam1", 2))
	require.NoError(t, h.AddPacket(Packet{Payload: []byte("a"), Keyframe: true}))

	path := t.TempDir() + "/out.mp4"
	require.NoError(t, h.FlushToFile(context.Background(), path))
	assert.Equal(t, StateInitialized, h.State())
}

func TestHandle_OperationsBeforeInitializeFail(t *testing.T) {
	pool := newTestPool(t)
	strategy := NewMemoryPacketStrategy(pool, fakeMuxOK)
	h := NewHandle(strategy)

	err := h.AddPacket(Packet{Payload: []byte("a")})
	assert.Error(t, err)
}

func TestHandle_DestroyIsIdempotent(t *testing.T) {
	pool := newTestPool(t)
	strategy := NewMemoryPacketStrategy(pool, fakeMuxOK)
	h := NewHandle(strategy)
	require.NoError(t, h.Initialize(context.Background(), "cam1", 2))

	require.NoError(t, h.Destroy())
	assert.Equal(t, StateDestroyed, h.State())
	require.NoError(t, h.Destroy())

	err := h.AddPacket(Packet{Payload: []byte("a")})
	assert.Error(t, err)
}
