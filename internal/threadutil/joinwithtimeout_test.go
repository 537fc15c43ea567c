package threadutil

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinWithTimeout_JoinsBeforeDeadline(t *testing.T) {
	j := NewJoiner()
	go func() {
		time.Sleep(10 * time.Millisecond)
		j.MarkDone()
	}()

	result := JoinWithTimeout(context.Background(), j.Done(), time.Second, nil)
	assert.True(t, result.Joined)
	assert.False(t, result.Detached)
}

func TestJoinWithTimeout_DetachesOnDeadline(t *testing.T) {
	j := NewJoiner()
	var lateJoins int32

	result := JoinWithTimeout(context.Background(), j.Done(), 10*time.Millisecond, func() {
		atomic.AddInt32(&lateJoins, 1)
	})
	assert.False(t, result.Joined)
	assert.True(t, result.Detached)

	j.MarkDone()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&lateJoins) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestJoinWithTimeout_RespectsContextCancellation(t *testing.T) {
	j := NewJoiner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := JoinWithTimeout(ctx, j.Done(), time.Hour, nil)
	assert.True(t, result.Detached)

	j.MarkDone()
}

func TestJoiner_MarkDoneIsIdempotent(t *testing.T) {
	j := NewJoiner()
	assert.NotPanics(t, func() {
		j.MarkDone()
		j.MarkDone()
	})
	select {
	case <-j.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}
}
