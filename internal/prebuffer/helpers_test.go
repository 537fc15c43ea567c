package prebuffer

import (
	"context"
	"os"
	"testing"

	"github.com/opensensor/lightnvr-go/internal/packetpool"
)

// newTestPool returns a freshly initialized packet pool sized generously
// enough that ordinary tests never hit capacity by accident.
func newTestPool(t *testing.T) *packetpool.Pool {
	t.Helper()
	pool := packetpool.New()
	if err := pool.Init(packetpool.MinLimitBytes); err != nil {
		t.Fatalf("initializing test pool: %v", err)
	}
	return pool
}

// fakeMuxOK simulates a successful mux by writing a placeholder byte to
// path, standing in for the real container writer.
func fakeMuxOK(_ context.Context, path string, _ []Packet) error {
	return os.WriteFile(path, []byte("mp4-placeholder"), 0o644)
}
