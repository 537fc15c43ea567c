// Package syncworker reconciles on-disk recording sizes into the metadata
// store. Recordings can be marked is_complete before their final
// size is known — a writer closing a file on shutdown, for instance — so
// a background poll stats the file and fills size_bytes in afterward.
package syncworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opensensor/lightnvr-go/internal/nvrerr"
	"github.com/opensensor/lightnvr-go/internal/repository"
	"github.com/opensensor/lightnvr-go/internal/threadutil"
)

// errAlreadyStarted is returned by Start when called on a running Worker.
var errAlreadyStarted = errors.New("sync worker already started")

// DefaultInterval is the poll period when Config.Interval is unset.
const DefaultInterval = 60 * time.Second

// MinInterval is the smallest poll period accepted.
const MinInterval = 10 * time.Second

// DefaultBatchLimit bounds how many pending rows are statted per poll.
const DefaultBatchLimit = 1000

// Config configures a Worker.
type Config struct {
	// Interval is how often the worker polls for pending recordings.
	Interval time.Duration
	// BatchLimit caps rows fetched per poll.
	BatchLimit int
	// ProcessStartupTime excludes recordings that started before this
	// process began, so a sync worker never touches rows a prior process
	// generation is still responsible for.
	ProcessStartupTime int64
}

func (c Config) normalized() Config {
	if c.Interval < MinInterval {
		c.Interval = DefaultInterval
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = DefaultBatchLimit
	}
	return c
}

// Worker is a daemon that reconciles recordings.size_bytes with the bytes
// actually on disk. It uses robfig/cron as its timing engine (the same
// engine internal/scheduler drives its sync loop with) rather than a bare
// time.Ticker, so Stop can reuse cron's own "wait for the in-flight job,
// then report done" shutdown context.
type Worker struct {
	repo   repository.RecordingRepository
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	cronScheduler *cron.Cron
}

// New constructs a Worker. Call Start to begin polling.
func New(repo repository.RecordingRepository, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		repo:   repo,
		cfg:    cfg.normalized(),
		logger: logger.With(slog.String("component", "recording_sync_worker")),
	}
}

// Start begins the poll loop. Returns an error if already started.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cronScheduler != nil {
		return nvrerr.New(nvrerr.ConfigurationError, "syncworker.Start", errAlreadyStarted)
	}

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.cronScheduler = cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))

	if _, err := w.cronScheduler.AddFunc(fmt.Sprintf("@every %s", w.cfg.Interval), func() {
		if err := w.RunOnce(w.ctx); err != nil {
			w.logger.Error("sync poll failed", slog.Any("error", err))
		}
	}); err != nil {
		w.cancel()
		w.cronScheduler = nil
		return nvrerr.New(nvrerr.ConfigurationError, "syncworker.Start", err)
	}

	w.cronScheduler.Start()

	w.logger.Info("recording sync worker started",
		slog.Duration("interval", w.cfg.Interval),
		slog.Int("batch_limit", w.cfg.BatchLimit))
	return nil
}

// Stop requests shutdown and waits up to timeout for any in-flight poll to
// finish. Responds within one poll cycle.
func (w *Worker) Stop(timeout time.Duration) threadutil.JoinResult {
	w.mu.Lock()
	cancel := w.cancel
	cronScheduler := w.cronScheduler
	w.mu.Unlock()

	if cronScheduler == nil {
		return threadutil.JoinResult{Joined: true}
	}
	cancel()
	stopCtx := cronScheduler.Stop()

	return threadutil.JoinWithTimeout(context.Background(), stopCtx.Done(), timeout, func() {
		w.logger.Warn("recording sync worker joined late, after detach")
	})
}

// RunOnce performs a single poll-stat-update cycle. Exported so it can be
// invoked directly from tests and from a manual "sync now" trigger.
func (w *Worker) RunOnce(ctx context.Context) error {
	pending, err := w.repo.PendingSize(ctx, w.cfg.ProcessStartupTime, w.cfg.BatchLimit)
	if err != nil {
		return nvrerr.New(nvrerr.PersistError, "syncworker.RunOnce", err)
	}

	synced := 0
	for _, rec := range pending {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Stat happens outside any DB transaction/mutex.
		info, statErr := os.Stat(rec.FilePath)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				w.logger.Warn("pending recording file missing, leaving size unset",
					slog.Uint64("recording_id", rec.ID),
					slog.String("path", rec.FilePath))
				continue
			}
			w.logger.Warn("failed to stat pending recording",
				slog.Uint64("recording_id", rec.ID),
				slog.Any("error", statErr))
			continue
		}

		if err := w.repo.Complete(ctx, rec.ID, rec.EndTime, info.Size(), true); err != nil {
			w.logger.Error("failed to reconcile recording size",
				slog.Uint64("recording_id", rec.ID),
				slog.Any("error", err))
			continue
		}
		synced++
	}

	if synced > 0 {
		w.logger.Info("reconciled recording sizes", slog.Int("count", synced))
	}
	return nil
}

