package prebuffer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensensor/lightnvr-go/internal/httpclient"
)

// Go2RTCNativeStrategy delegates buffering to an upstream go2rtc daemon.
// It keeps an HTTP HEAD keepalive and re-creates the session on expiry.
type Go2RTCNativeStrategy struct {
	mu         sync.Mutex
	baseURL    string
	streamName string
	client     *httpclient.Client
	sessionID  string
	active     bool
}

// NewGo2RTCNativeStrategy constructs a strategy talking to baseURL
// (e.g. http://127.0.0.1:1984).
func NewGo2RTCNativeStrategy(baseURL string, client *httpclient.Client) *Go2RTCNativeStrategy {
	if client == nil {
		client = httpclient.NewWithDefaults()
	}
	return &Go2RTCNativeStrategy{baseURL: baseURL, client: client}
}

func (s *Go2RTCNativeStrategy) Init(ctx context.Context, streamName string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streamName = streamName
	return s.createSessionLocked(ctx)
}

// createSessionLocked bootstraps a session:
// GET /api/stream.m3u8?src=<stream> → body contains id=<session>.
func (s *Go2RTCNativeStrategy) createSessionLocked(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/stream.m3u8?src=%s", s.baseURL, s.streamName)
	resp, err := s.client.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("bootstrapping go2rtc session: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading go2rtc bootstrap response: %w", err)
	}

	id := parseSessionID(body)
	if id == "" {
		id = uuid.NewString()
	}
	s.sessionID = id
	s.active = true
	return nil
}

func parseSessionID(body []byte) string {
	const prefix = "id="
	s := string(body)
	idx := strings.Index(s, prefix)
	if idx < 0 {
		return ""
	}
	rest := s[idx+len(prefix):]
	end := strings.IndexAny(rest, "\n& ")
	if end < 0 {
		end = len(rest)
	}
	return rest[:end]
}

func (s *Go2RTCNativeStrategy) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	return nil
}

func (s *Go2RTCNativeStrategy) AddPacket(Packet) error              { return ErrNotSupported }
func (s *Go2RTCNativeStrategy) AddSegment(SegmentHint) error        { return ErrNotSupported }
func (s *Go2RTCNativeStrategy) ProtectSegment(string) error         { return ErrNotSupported }
func (s *Go2RTCNativeStrategy) UnprotectSegment(string) error       { return ErrNotSupported }
func (s *Go2RTCNativeStrategy) GetSegments() ([]SegmentHint, error) { return nil, ErrNotSupported }

// Keepalive issues the HEAD keepalive request; on a 4xx it marks the
// session inactive so the next operation reinitializes it.
func (s *Go2RTCNativeStrategy) Keepalive(ctx context.Context) error {
	s.mu.Lock()
	url := fmt.Sprintf("%s/api/hls/playlist.m3u8?id=%s", s.baseURL, s.sessionID)
	s.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("building keepalive request: %w", err)
	}
	resp, err := s.client.DoWithContext(ctx, req)
	if err != nil {
		return fmt.Errorf("keepalive request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		return fmt.Errorf("keepalive rejected with status %d", resp.StatusCode)
	}
	return nil
}

// FlushToFile fetches the buffered segment bytes via
// GET /api/hls/segment.ts?id=<session> and writes them raw, reinitializing
// the session afterward.
func (s *Go2RTCNativeStrategy) FlushToFile(ctx context.Context, path string) error {
	s.mu.Lock()
	if !s.active {
		if err := s.createSessionLocked(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	url := fmt.Sprintf("%s/api/hls/segment.ts?id=%s", s.baseURL, s.sessionID)
	s.mu.Unlock()

	resp, err := s.client.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("fetching go2rtc segment: %w", err)
	}
	defer resp.Body.Close()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating flush output: %w", err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()

	if copyErr != nil || closeErr != nil || n == 0 {
		os.Remove(path)
		if copyErr != nil {
			return fmt.Errorf("writing go2rtc flush output: %w", copyErr)
		}
		return ErrFlushFailed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSessionLocked(ctx)
}

func (s *Go2RTCNativeStrategy) FlushToCallback(context.Context, func(Packet) error) error {
	return ErrNotSupported
}

func (s *Go2RTCNativeStrategy) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return Stats{}
	}
	return Stats{NewestTS: time.Now()}
}

func (s *Go2RTCNativeStrategy) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Go2RTCNativeStrategy) Clear() error {
	return nil
}

var _ Strategy = (*Go2RTCNativeStrategy)(nil)
