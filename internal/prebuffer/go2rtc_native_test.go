package prebuffer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo2RTC_InitParsesSessionID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("id=abc123\n"))
	}))
	defer server.Close()

	s := NewGo2RTCNativeStrategy(server.URL, nil)
	require.NoError(t, s.Init(context.Background(), "cam1", 30))
	assert.Equal(t, "abc123", s.sessionID)
	assert.True(t, s.IsReady())
}

func TestGo2RTC_InitFallsBackToUUIDWhenUnparseable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("no session here"))
	}))
	defer server.Close()

	s := NewGo2RTCNativeStrategy(server.URL, nil)
	require.NoError(t, s.Init(context.Background(), "cam1", 30))
	assert.NotEmpty(t, s.sessionID)
}

func TestGo2RTC_KeepaliveMarksInactiveOn4xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("id=sess1"))
	}))
	defer server.Close()

	s := NewGo2RTCNativeStrategy(server.URL, nil)
	require.NoError(t, s.Init(context.Background(), "cam1", 30))

	err := s.Keepalive(context.Background())
	assert.Error(t, err)
	assert.False(t, s.IsReady())
}

func TestGo2RTC_FlushToFileWritesBodyAndRecreatesSession(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch {
		case r.URL.Path == "/api/stream.m3u8":
			w.Write([]byte("id=sess1"))
		case r.URL.Path == "/api/hls/segment.ts":
			w.Write([]byte("segment-bytes"))
		}
	}))
	defer server.Close()

	s := NewGo2RTCNativeStrategy(server.URL, nil)
	require.NoError(t, s.Init(context.Background(), "cam1", 30))

	out := filepath.Join(t.TempDir(), "flush.ts")
	require.NoError(t, s.FlushToFile(context.Background(), out))
	assert.GreaterOrEqual(t, calls, 3) // init + segment fetch + re-init
	assert.NotEmpty(t, s.sessionID)
}

func TestGo2RTC_UnsupportedOperationsReturnSentinel(t *testing.T) {
	s := NewGo2RTCNativeStrategy("http://example.invalid", nil)
	assert.ErrorIs(t, s.AddPacket(Packet{}), ErrNotSupported)
	assert.ErrorIs(t, s.AddSegment(SegmentHint{}), ErrNotSupported)
	assert.ErrorIs(t, s.ProtectSegment(""), ErrNotSupported)
	assert.ErrorIs(t, s.UnprotectSegment(""), ErrNotSupported)
	_, err := s.GetSegments()
	assert.ErrorIs(t, err, ErrNotSupported)
	assert.ErrorIs(t, s.FlushToCallback(context.Background(), nil), ErrNotSupported)
}
