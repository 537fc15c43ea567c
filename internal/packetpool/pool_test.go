package packetpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_InitTwiceFails(t *testing.T) {
	p := New()
	require.NoError(t, p.Init(MinLimitBytes))
	err := p.Init(MinLimitBytes)
	assert.Error(t, err)
}

func TestPool_RecomputeLimitNoDetection(t *testing.T) {
	p := New()
	require.NoError(t, p.Init(MinLimitBytes))
	p.RecomputeLimit(nil)
	assert.Equal(t, int64(DefaultReserveBytes), p.LimitBytes())
}

func TestPool_RecomputeLimitClampsToRange(t *testing.T) {
	p := New()
	require.NoError(t, p.Init(MinLimitBytes))

	p.RecomputeLimit([]StreamEstimate{{Width: 10, Height: 10, FPS: 1, Seconds: 1, DetectionEnabled: true}})
	assert.GreaterOrEqual(t, p.LimitBytes(), int64(MinLimitBytes))

	p.RecomputeLimit([]StreamEstimate{{Width: 3840, Height: 2160, FPS: 30, Seconds: 600, DetectionEnabled: true}})
	assert.LessOrEqual(t, p.LimitBytes(), int64(MaxLimitBytes))
}

func TestPool_AcquireSameStreamReturnsSameBuffer(t *testing.T) {
	p := New()
	require.NoError(t, p.Init(10*1024*1024))

	b1, err := p.Acquire("cam1", 5, ModeMemory)
	require.NoError(t, err)
	b2, err := p.Acquire("cam1", 5, ModeMemory)
	require.NoError(t, err)
	assert.Same(t, b1, b2)
}

func TestPool_BoundInvariant(t *testing.T) {
	p := New()
	require.NoError(t, p.Init(1024))

	b, err := p.Acquire("cam1", 1, ModeMemory)
	require.NoError(t, err)

	added := 0
	for i := 0; i < 100; i++ {
		if b.TryAdd(100) {
			added++
		}
	}
	assert.LessOrEqual(t, p.CurrentUsage(), p.LimitBytes())
	assert.Greater(t, added, 0)
}

func TestPool_ReleaseFreesAccounting(t *testing.T) {
	p := New()
	require.NoError(t, p.Init(1024))

	b, err := p.Acquire("cam1", 1, ModeMemory)
	require.NoError(t, err)
	require.True(t, b.TryAdd(512))

	p.Release(b)
	assert.Equal(t, int64(0), p.CurrentUsage())
}

func TestBuffer_EvictFIFO(t *testing.T) {
	p := New()
	require.NoError(t, p.Init(1024*1024))

	b, err := p.Acquire("cam1", 5, ModeMemory)
	require.NoError(t, err)
	require.True(t, b.TryAdd(100))
	require.True(t, b.TryAdd(200))

	freed := b.Evict()
	assert.Equal(t, 100, freed)
	assert.Equal(t, 1, b.Count())
}
