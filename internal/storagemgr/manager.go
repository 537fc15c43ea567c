// Package storagemgr reconciles the recording/segment database with what
// actually exists on disk: retention, quota eviction, orphan
// detection, and aggregate stats, plus a TTL-cached per-stream usage
// snapshot cheap enough for an introspection endpoint to poll.
package storagemgr

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/opensensor/lightnvr-go/internal/models"
	"github.com/opensensor/lightnvr-go/internal/nvrerr"
	"github.com/opensensor/lightnvr-go/internal/repository"
)

// DefaultCacheTTL is the per-stream usage cache lifetime.
const DefaultCacheTTL = 1800 * time.Second

// MinCacheTTL is the smallest accepted cache lifetime.
const MinCacheTTL = 10 * time.Second

// StreamPolicy is the retention/quota policy for one stream.
type StreamPolicy struct {
	// RetentionDays deletes recordings older than this many days. 0 disables.
	RetentionDays int
	// MaxBytes evicts oldest-first once total usage exceeds this. 0 disables.
	MaxBytes int64
}

// Config configures a Manager.
type Config struct {
	Policies map[string]StreamPolicy
	CacheTTL time.Duration
}

func (c Config) normalized() Config {
	if c.CacheTTL < MinCacheTTL {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.Policies == nil {
		c.Policies = map[string]StreamPolicy{}
	}
	return c
}

// Stats is the aggregate recording/disk snapshot.
type Stats struct {
	TotalRecordings int64
	TotalBytes      int64
	Oldest          *time.Time
	Newest          *time.Time
	DiskTotal       uint64
	DiskAvail       uint64
}

// OrphanReport describes a recording row whose file has vanished.
type OrphanReport struct {
	RecordingID uint64
	FilePath    string
	Deleted     bool
}

type cachedUsage struct {
	bytes    int64
	loadedAt time.Time
}

// Manager reconciles DB rows with the files the storage root actually
// contains.
type Manager struct {
	recordings repository.RecordingRepository
	segments   repository.HLSSegmentRepository
	cfg        Config
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedUsage
}

// New constructs a Manager.
func New(recordings repository.RecordingRepository, segments repository.HLSSegmentRepository, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		recordings: recordings,
		segments:   segments,
		cfg:        cfg.normalized(),
		logger:     logger.With(slog.String("component", "storage_manager")),
		cache:      make(map[string]cachedUsage),
	}
}

// RunRetention deletes files and rows older than each stream's
// retention_days. Rows still being recorded
// (is_complete = false) are never touched.
func (m *Manager) RunRetention(ctx context.Context, now time.Time) error {
	for stream, policy := range m.cfg.Policies {
		if policy.RetentionDays <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(policy.RetentionDays) * 24 * time.Hour).Unix()

		recs, err := m.recordings.ListByStream(ctx, stream, true)
		if err != nil {
			return nvrerr.New(nvrerr.PersistError, "storagemgr.RunRetention", err)
		}

		for _, rec := range recs {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if !rec.IsComplete || rec.StartTime >= cutoff {
				continue
			}
			if err := m.deleteRecording(ctx, rec); err != nil {
				m.logger.Error("retention delete failed",
					slog.Uint64("recording_id", rec.ID), slog.Any("error", err))
			}
		}

		if _, err := m.segments.DeleteOlderThan(ctx, stream, cutoff); err != nil {
			m.logger.Error("retention segment cleanup failed",
				slog.String("stream", stream), slog.Any("error", err))
		}
	}
	return nil
}

// RunQuota deletes oldest-first recordings per stream until usage is back
// under that stream's max_bytes, or until only one complete recording
// remains for that stream — the last recording is never evicted even if
// usage still exceeds max_bytes. ListByStream's
// oldest-first ordering is the reverse of its default newest-first query.
func (m *Manager) RunQuota(ctx context.Context) error {
	for stream, policy := range m.cfg.Policies {
		if policy.MaxBytes <= 0 {
			continue
		}

		usage, err := m.recordings.SumBytesByStream(ctx, stream)
		if err != nil {
			return nvrerr.New(nvrerr.PersistError, "storagemgr.RunQuota", err)
		}
		if usage <= policy.MaxBytes {
			continue
		}

		recs, err := m.recordings.ListByStream(ctx, stream, true)
		if err != nil {
			return nvrerr.New(nvrerr.PersistError, "storagemgr.RunQuota", err)
		}

		remaining := 0
		for _, rec := range recs {
			if rec.IsComplete {
				remaining++
			}
		}

		for _, rec := range recs {
			if usage <= policy.MaxBytes || remaining <= 1 {
				break
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if !rec.IsComplete {
				continue
			}
			freed := rec.SizeBytes
			if err := m.deleteRecording(ctx, rec); err != nil {
				m.logger.Error("quota eviction failed",
					slog.Uint64("recording_id", rec.ID), slog.Any("error", err))
				continue
			}
			usage -= freed
			remaining--
		}
	}
	return nil
}

// deleteRecording removes the recording's file (if present) and row.
func (m *Manager) deleteRecording(ctx context.Context, rec *models.Recording) error {
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file %s: %w", rec.FilePath, err)
	}
	if rec.ThumbnailPath != "" {
		_ = os.Remove(rec.ThumbnailPath)
	}
	if err := m.recordings.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("deleting row %d: %w", rec.ID, err)
	}
	return nil
}

// DetectOrphans reports recordings whose file has vanished from disk
//. If deleteRows is true, orphaned rows that are
// complete are removed; a row with is_complete = false is never touched,
// since its file may simply not exist yet.
func (m *Manager) DetectOrphans(ctx context.Context, stream string, deleteRows bool) ([]OrphanReport, error) {
	recs, err := m.recordings.ListByStream(ctx, stream, true)
	if err != nil {
		return nil, nvrerr.New(nvrerr.PersistError, "storagemgr.DetectOrphans", err)
	}

	var reports []OrphanReport
	for _, rec := range recs {
		select {
		case <-ctx.Done():
			return reports, nil
		default:
		}
		if !rec.IsComplete {
			continue
		}
		if _, err := os.Stat(rec.FilePath); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			m.logger.Warn("orphan scan stat failed",
				slog.Uint64("recording_id", rec.ID), slog.Any("error", err))
			continue
		}

		report := OrphanReport{RecordingID: rec.ID, FilePath: rec.FilePath}
		if deleteRows {
			if err := m.recordings.Delete(ctx, rec.ID); err != nil {
				m.logger.Error("orphan row delete failed",
					slog.Uint64("recording_id", rec.ID), slog.Any("error", err))
			} else {
				report.Deleted = true
			}
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// Stats returns the aggregate recording/disk snapshot, using
// gopsutil's disk.Usage as the statvfs equivalent.
func (m *Manager) Stats(ctx context.Context, storageRoot string) (*Stats, error) {
	all, err := m.recordings.GetByTimeRange(ctx, 0, maxInt64, "")
	if err != nil {
		return nil, nvrerr.New(nvrerr.PersistError, "storagemgr.Stats", err)
	}

	stats := &Stats{TotalRecordings: int64(len(all))}
	for _, rec := range all {
		stats.TotalBytes += rec.SizeBytes
		t := time.Unix(rec.StartTime, 0)
		if stats.Oldest == nil || t.Before(*stats.Oldest) {
			stats.Oldest = &t
		}
		if stats.Newest == nil || t.After(*stats.Newest) {
			stats.Newest = &t
		}
	}

	usage, err := disk.UsageWithContext(ctx, storageRoot)
	if err != nil {
		return nil, nvrerr.New(nvrerr.TransientIO, "storagemgr.Stats", err)
	}
	stats.DiskTotal = usage.Total
	stats.DiskAvail = usage.Free

	return stats, nil
}

const maxInt64 = int64(^uint64(0) >> 1)

// StreamUsage returns a stream's total recorded bytes, using a TTL cache
// unless forceRefresh is set.
func (m *Manager) StreamUsage(ctx context.Context, stream string, forceRefresh bool) (int64, error) {
	m.mu.Lock()
	cached, ok := m.cache[stream]
	m.mu.Unlock()

	if ok && !forceRefresh && time.Since(cached.loadedAt) < m.cfg.CacheTTL {
		return cached.bytes, nil
	}

	usage, err := m.recordings.SumBytesByStream(ctx, stream)
	if err != nil {
		return 0, nvrerr.New(nvrerr.PersistError, "storagemgr.StreamUsage", err)
	}

	m.mu.Lock()
	m.cache[stream] = cachedUsage{bytes: usage, loadedAt: time.Now()}
	m.mu.Unlock()

	return usage, nil
}

// InvalidateStreamUsage forces the next StreamUsage call for stream to
// reload rather than serve the cached value.
func (m *Manager) InvalidateStreamUsage(stream string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, stream)
}
