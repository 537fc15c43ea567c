package reader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource yields a fixed sequence of packets then returns io-like EOF
// errors forever, simulating a camera that keeps dropping and
// reconnecting.
type fakeSource struct {
	mu       sync.Mutex
	packets  []Packet
	idx      int
	opens    int
	closes   int
	openErr  error
	readErrs []error
}

func (f *fakeSource) Open(context.Context) (StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return StreamInfo{}, f.openErr
	}
	return StreamInfo{Name: "cam1", VideoIndex: 0, AudioIndex: 1}, nil
}

func (f *fakeSource) ReadPacket(context.Context) (Packet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx < len(f.packets) {
		p := f.packets[f.idx]
		f.idx++
		return p, nil
	}
	return Packet{}, errors.New("eof")
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func TestReader_DeliversValidPackets(t *testing.T) {
	src := &fakeSource{packets: []Packet{
		{Payload: []byte("a"), StreamIndex: 0, Keyframe: true},
		{Payload: []byte("b"), StreamIndex: 1},
	}}

	var received atomic.Int32
	cb := func(pkt Packet, info StreamInfo) Status {
		received.Add(1)
		if received.Load() >= 2 {
			return StatusStop
		}
		return StatusContinue
	}

	r := New("cam1", func() Source { return src }, cb, nil)
	require.NoError(t, r.Start(context.Background()))

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop after StatusStop")
	}

	assert.Equal(t, int32(2), received.Load())
}

func TestReader_DropsEmptyPayloadsAndUnknownStreamIndex(t *testing.T) {
	src := &fakeSource{packets: []Packet{
		{Payload: nil, StreamIndex: 0},
		{Payload: []byte{}, StreamIndex: 0},
		{Payload: []byte("x"), StreamIndex: 99},
		{Payload: []byte("good"), StreamIndex: 0},
	}}

	var received []Packet
	cb := func(pkt Packet, info StreamInfo) Status {
		received = append(received, pkt)
		return StatusStop
	}

	r := New("cam1", func() Source { return src }, cb, nil)
	require.NoError(t, r.Start(context.Background()))

	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not stop")
	}

	require.Len(t, received, 1)
	assert.Equal(t, "good", string(received[0].Payload))
}

func TestReader_StartTwiceFails(t *testing.T) {
	src := &fakeSource{}
	r := New("cam1", func() Source { return src }, func(Packet, StreamInfo) Status { return StatusContinue }, nil)

	require.NoError(t, r.Start(context.Background()))
	err := r.Start(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyStarted)

	require.NoError(t, r.Stop())
}

func TestReader_StopIsIdempotentAndJoinsPromptly(t *testing.T) {
	src := &fakeSource{}
	r := New("cam1", func() Source { return src }, func(Packet, StreamInfo) Status { return StatusContinue }, nil)

	require.NoError(t, r.Start(context.Background()))
	time.Sleep(10 * time.Millisecond)

	err := r.Stop()
	assert.NoError(t, err)
	assert.NoError(t, r.Stop())
	assert.False(t, r.IsRunning())
}

func TestReader_OpenFailureRetriesUntilStopped(t *testing.T) {
	src := &fakeSource{openErr: errors.New("connection refused")}
	r := New("cam1", func() Source { return src }, func(Packet, StreamInfo) Status { return StatusContinue }, nil)

	require.NoError(t, r.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Stop())

	src.mu.Lock()
	opens := src.opens
	src.mu.Unlock()
	assert.GreaterOrEqual(t, opens, 1)
}
