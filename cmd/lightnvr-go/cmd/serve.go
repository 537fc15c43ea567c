package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/asticode/go-astits"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	nvrhttp "github.com/opensensor/lightnvr-go/internal/http"
	"github.com/opensensor/lightnvr-go/internal/http/handlers"

	"github.com/opensensor/lightnvr-go/internal/config"
	"github.com/opensensor/lightnvr-go/internal/database"
	"github.com/opensensor/lightnvr-go/internal/database/migrations"
	"github.com/opensensor/lightnvr-go/internal/detection"
	"github.com/opensensor/lightnvr-go/internal/hlswriter"
	"github.com/opensensor/lightnvr-go/internal/httpclient"
	"github.com/opensensor/lightnvr-go/internal/models"
	"github.com/opensensor/lightnvr-go/internal/mp4writer"
	"github.com/opensensor/lightnvr-go/internal/packetpool"
	"github.com/opensensor/lightnvr-go/internal/pipeline/stream"
	"github.com/opensensor/lightnvr-go/internal/prebuffer"
	"github.com/opensensor/lightnvr-go/internal/prebuffer/mmapring"
	"github.com/opensensor/lightnvr-go/internal/reader"
	"github.com/opensensor/lightnvr-go/internal/repository"
	"github.com/opensensor/lightnvr-go/internal/rtspsource"
	"github.com/opensensor/lightnvr-go/internal/shutdown"
	"github.com/opensensor/lightnvr-go/internal/storagemgr"
	"github.com/opensensor/lightnvr-go/internal/syncworker"
	"github.com/opensensor/lightnvr-go/internal/timestamp"
	"github.com/opensensor/lightnvr-go/internal/version"
)

// defaultPacketPoolBytes is the packet pool's initial ceiling; no
// configuration setting overrides it. It lies between the pool's
// MinLimitBytes (16MB) and MaxLimitBytes (512MB) clamps.
const defaultPacketPoolBytes = 256 * 1024 * 1024

// serveCmd runs the recording pipeline: one reader/processor/writer set
// per configured camera, the detection dispatcher, the recording sync
// worker, the storage manager's scheduled jobs, and a minimal
// introspection HTTP server, all torn down through one shutdown
// coordinator on SIGINT/SIGTERM.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recording pipeline",
	Long: `Start ingesting the configured cameras, writing live HLS and rolling
MP4 recordings, and promoting pre-event buffers into durable recordings
on detection events.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// streamRuntime bundles the per-stream components runServe assembles so
// they can be registered with the shutdown coordinator and torn down
// together.
type streamRuntime struct {
	name      string
	outputDir string
	rd        *reader.Reader
	processor *stream.Processor
	hls       *hlswriter.Writer
	mp4       *mp4writer.Writer
	prebuf    *prebuffer.Handle
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.Default()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator := shutdown.New(logger)

	db, err := database.New(cfg.Database, logger, nil)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	migrator := migrations.NewMigrator(db.DB, logger)
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	recordingRepo := repository.NewRecordingRepository(db.DB)
	segmentRepo := repository.NewHLSSegmentRepository(db.DB)

	pool := packetpool.New()
	if err := pool.Init(defaultPacketPoolBytes); err != nil {
		return fmt.Errorf("initializing packet pool: %w", err)
	}

	tracker := timestamp.New(logger)

	var detClient detection.Client
	var detConn *grpc.ClientConn
	if cfg.Detection.SidecarAddr != "" {
		detConn, err = grpc.NewClient(cfg.Detection.SidecarAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("dialing detection sidecar: %w", err)
		}
		detClient = detection.NewGRPCClient(detConn)
	}

	runtimes := make([]*streamRuntime, 0, len(cfg.Streams))
	lookup := func(name string) *streamRuntime {
		for _, rt := range runtimes {
			if rt.name == name {
				return rt
			}
		}
		return nil
	}

	var dispatcher *detection.Dispatcher
	if detClient != nil {
		dispatcher = detection.New(cfg.Detection.MaxWorkers, detClient, onDetectionResult(lookup, recordingRepo, logger), logger)
	}

	go2rtcClient := httpclient.NewWithDefaults()
	for _, sc := range cfg.Streams {
		rt, err := setupStream(sc, cfg, pool, tracker, dispatcher, go2rtcClient, logger)
		if err != nil {
			logger.Error("stream setup failed", slog.String("stream", sc.Name), slog.String("error", err.Error()))
			continue
		}
		runtimes = append(runtimes, rt)
		registerStream(coordinator, rt)

		if err := rt.rd.Start(ctx); err != nil {
			logger.Error("starting reader", slog.String("stream", sc.Name), slog.String("error", err.Error()))
		}
	}

	syncWorker := syncworker.New(recordingRepo, syncworker.Config{
		Interval:           time.Duration(cfg.Retention.SyncIntervalSeconds) * time.Second,
		ProcessStartupTime: time.Now().Unix(),
	}, logger)
	if err := syncWorker.Start(ctx); err != nil {
		return fmt.Errorf("starting sync worker: %w", err)
	}
	coordinator.Register("recording-sync", "worker", 30, 10*time.Second, stopperFunc(func(context.Context) error {
		syncWorker.Stop(10 * time.Second)
		return nil
	}))

	storageManager := storagemgr.New(recordingRepo, segmentRepo, storagemgr.Config{
		Policies: buildStoragePolicies(cfg),
		CacheTTL: storagemgr.DefaultCacheTTL,
	}, logger)

	storageCron := cron.New()
	if _, err := storageCron.AddFunc("@every 1h", func() {
		runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if err := storageManager.RunRetention(runCtx, time.Now()); err != nil {
			logger.Error("retention run failed", slog.String("error", err.Error()))
		}
		if err := storageManager.RunQuota(runCtx); err != nil {
			logger.Error("quota run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("scheduling storage manager: %w", err)
	}
	storageCron.Start()
	coordinator.Register("storage-manager", "scheduler", 40, 5*time.Second, stopperFunc(func(context.Context) error {
		<-storageCron.Stop().Done()
		return nil
	}))

	httpServer := nvrhttp.NewServer(nvrhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger, version.Short())
	handlers.NewHealthHandler(version.Short()).WithDB(db.DB).Register(httpServer.API())
	handlers.NewStorageHandler(storageManager, cfg.Storage.StorageRoot).Register(httpServer.API())

	go func() {
		if err := httpServer.ListenAndServe(ctx); err != nil {
			logger.Error("http server stopped", slog.String("error", err.Error()))
		}
	}()
	coordinator.Register("http-server", "server", 50, cfg.Server.ShutdownTimeout, stopperFunc(func(shutdownCtx context.Context) error {
		return httpServer.Shutdown(shutdownCtx)
	}))

	if dispatcher != nil {
		coordinator.Register("detection-dispatcher", "pool", 20, 5*time.Second, stopperFunc(func(context.Context) error {
			dispatcher.Shutdown()
			if detConn != nil {
				return detConn.Close()
			}
			return nil
		}))
	}

	logger.Info("lightnvr-go started", slog.Int("streams", len(runtimes)))

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	residuals := coordinator.Shutdown(shutdownCtx)
	for _, r := range residuals {
		logger.Warn("component did not stop in time", slog.String("name", r.Name), slog.String("kind", r.Kind))
	}

	return nil
}

// stopperFunc adapts a plain func(context.Context) error to shutdown.Stopper.
type stopperFunc func(context.Context) error

func (f stopperFunc) Stop(ctx context.Context) error { return f(ctx) }

// registerStream enrolls a stream's reader and writer pair with the
// shutdown coordinator: the reader stops first (priority 10) so no new
// packets arrive, then the writers flush and close at the HLS writer's
// own (lowest) shutdown priority.
func registerStream(coordinator *shutdown.Coordinator, rt *streamRuntime) {
	coordinator.Register(rt.name, "reader", 10, 5*time.Second, stopperFunc(func(context.Context) error {
		return rt.rd.Stop()
	}))
	coordinator.Register(rt.name, "writer", hlswriter.ShutdownPriority, 10*time.Second, stopperFunc(func(context.Context) error {
		rt.processor.Stop()
		var first error
		if rt.hls != nil {
			if err := rt.hls.Close(); err != nil && first == nil {
				first = err
			}
		}
		if rt.mp4 != nil {
			if err := rt.mp4.Close(); err != nil && first == nil {
				first = err
			}
		}
		if rt.prebuf != nil {
			if err := rt.prebuf.Destroy(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}))
}

// setupStream constructs one camera's reader, processor, HLS/MP4
// writers, and (if configured) pre-buffer and detection output.
func setupStream(sc config.StreamConfig, cfg *config.Config, pool *packetpool.Pool, tracker *timestamp.Tracker, dispatcher *detection.Dispatcher, go2rtcClient *httpclient.Client, logger *slog.Logger) (*streamRuntime, error) {
	if err := tracker.Register(sc.Name, sc.Transport == "udp"); err != nil {
		return nil, fmt.Errorf("registering timestamp tracker: %w", err)
	}

	info := stream.StreamInfo{
		Name:  sc.Name,
		IsUDP: sc.Transport == "udp",
		Profile: timestamp.StreamProfile{
			TimeBaseNum: 1,
			TimeBaseDen: 90000,
		},
	}
	processor := stream.New(info, tracker, logger)

	hlsWriter, err := hlswriter.New(hlswriter.Config{
		StorageDir: cfg.Storage.StorageRoot,
		StreamName: sc.Name,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating hls writer: %w", err)
	}
	if err := processor.AddOutput(&stream.Output{ID: "hls", Kind: stream.KindHLS, Writer: hlsWriter}); err != nil {
		return nil, fmt.Errorf("attaching hls output: %w", err)
	}

	outputDir := filepath.Join(cfg.Storage.RecordingsPath(), sc.Name)
	mp4Path := filepath.Join(outputDir, fmt.Sprintf("%s-%d.mp4", sc.Name, time.Now().Unix()))
	if err := ensureDir(outputDir); err != nil {
		return nil, err
	}
	mp4Writer, err := mp4writer.New(mp4Path)
	if err != nil {
		return nil, fmt.Errorf("creating mp4 writer: %w", err)
	}
	if err := processor.AddOutput(&stream.Output{ID: "mp4", Kind: stream.KindMP4, Writer: mp4Writer}); err != nil {
		return nil, fmt.Errorf("attaching mp4 output: %w", err)
	}

	var prebuf *prebuffer.Handle
	if sc.PrebufferSeconds > 0 {
		strat, err := newPrebufferStrategy(sc, cfg, pool, go2rtcClient)
		if err != nil {
			return nil, fmt.Errorf("creating pre-buffer strategy: %w", err)
		}
		prebuf = prebuffer.NewHandle(strat)
		if err := prebuf.Initialize(context.Background(), sc.Name, sc.PrebufferSeconds); err != nil {
			return nil, fmt.Errorf("initializing pre-buffer: %w", err)
		}
	}

	if sc.DetectionEnabled && dispatcher != nil {
		interval := maxInt(1, int(cfg.Detection.Interval/time.Second))
		if err := processor.AddOutput(&stream.Output{
			ID:       "detection",
			Kind:     stream.KindDetection,
			Interval: interval,
			Submit: func(pkt stream.Packet) {
				dispatcher.Submit(detection.Task{StreamName: sc.Name, PacketClone: pkt.Payload})
			},
		}); err != nil {
			return nil, fmt.Errorf("attaching detection output: %w", err)
		}
	}

	factory := rtspsource.NewFactory(sc, logger)
	cb := func(pkt reader.Packet, _ reader.StreamInfo) reader.Status {
		sp := stream.Packet{
			Payload:     pkt.Payload,
			PTS:         pkt.PTS,
			DTS:         pkt.DTS,
			HasPTS:      true,
			HasDTS:      true,
			Keyframe:    pkt.Keyframe,
			StreamIndex: pkt.StreamIndex,
		}
		processor.ProcessPacket(context.Background(), sp)
		if prebuf != nil {
			_ = prebuf.AddPacket(prebuffer.Packet{
				Payload:   pkt.Payload,
				PTS:       pkt.PTS,
				DTS:       pkt.DTS,
				StreamIdx: pkt.StreamIndex,
				Keyframe:  pkt.Keyframe,
				ArrivedAt: time.Now(),
			})
		}
		return reader.StatusContinue
	}

	return &streamRuntime{
		name:      sc.Name,
		outputDir: outputDir,
		rd:        reader.New(sc.Name, factory, cb, logger),
		processor: processor,
		hls:       hlsWriter,
		mp4:       mp4Writer,
		prebuf:    prebuf,
	}, nil
}

// newPrebufferStrategy picks one of the four interchangeable pre-buffer
// backings by sc.PrebufferStrat, defaulting to the in-memory packet ring.
func newPrebufferStrategy(sc config.StreamConfig, cfg *config.Config, pool *packetpool.Pool, go2rtcClient *httpclient.Client) (prebuffer.Strategy, error) {
	switch sc.PrebufferStrat {
	case "mmap_hybrid":
		return prebuffer.NewMmapHybridStrategy(cfg.Storage.StorageRoot, muxEntriesToMP4), nil
	case "hls_segment":
		return prebuffer.NewHLSSegmentStrategy(filepath.Join(cfg.Storage.StorageRoot, "hls", sc.Name), concatSegmentsToMP4), nil
	case "go2rtc_native":
		return prebuffer.NewGo2RTCNativeStrategy(cfg.Go2RTC.BaseURL, go2rtcClient), nil
	default:
		return prebuffer.NewMemoryPacketStrategy(pool, muxPacketsToMP4), nil
	}
}

// muxPacketsToMP4 flushes a memory_packet strategy's snapshot to path
// using the same mp4writer the live pipeline writes through.
func muxPacketsToMP4(_ context.Context, path string, packets []prebuffer.Packet) error {
	w, err := mp4writer.New(path)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		if err := w.WriteFrame(pkt.Payload, pkt.PTS, pkt.DTS, pkt.Keyframe); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

// muxEntriesToMP4 flushes an mmap_hybrid strategy's ring entries the
// same way muxPacketsToMP4 does for in-memory packets.
func muxEntriesToMP4(_ context.Context, path string, entries []mmapring.Entry) error {
	w, err := mp4writer.New(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		keyframe := e.Header.Flags&mmapring.FlagKeyframe != 0
		if err := w.WriteFrame(e.Payload, e.Header.PTS, e.Header.DTS, keyframe); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

// concatSegmentsToMP4 is the hls_segment strategy's flush path: it demuxes
// each tracked .ts segment's video elementary stream with go-astits, in
// order, and re-muxes the access units into one mp4 via mp4writer. No
// transcode happens; this is a pure container change.
func concatSegmentsToMP4(ctx context.Context, paths []string, outPath string) error {
	w, err := mp4writer.New(outPath)
	if err != nil {
		return fmt.Errorf("creating mp4 writer: %w", err)
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			_ = w.Close()
			return err
		}
		if err := demuxTSVideoInto(ctx, path, w); err != nil {
			_ = w.Close()
			return fmt.Errorf("demuxing %q: %w", path, err)
		}
	}
	return w.Close()
}

// demuxTSVideoInto reads one MPEG-TS segment and feeds its video
// elementary stream's access units to w in PTS order.
func demuxTSVideoInto(ctx context.Context, path string, w *mp4writer.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dmx := astits.NewDemuxer(ctx, f)

	var videoPID uint16
	var isH265 bool
	haveVideoPID := false

	for {
		data, err := dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading ts packet: %w", err)
		}

		if data.PMT != nil {
			for _, es := range data.PMT.ElementaryStreams {
				switch es.StreamType {
				case astits.StreamTypeH264Video:
					videoPID, isH265, haveVideoPID = es.ElementaryPID, false, true
				case astits.StreamTypeH265Video:
					videoPID, isH265, haveVideoPID = es.ElementaryPID, true, true
				}
			}
			continue
		}

		if !haveVideoPID || data.PES == nil || data.PID != videoPID || len(data.PES.Data) == 0 {
			continue
		}

		pts, dts := pesTimestamps(data.PES)
		keyframe := pesIsKeyframe(data.PES.Data, isH265)
		if err := w.WriteFrame(data.PES.Data, pts, dts, keyframe); err != nil {
			return fmt.Errorf("writing frame: %w", err)
		}
	}
}

// pesTimestamps pulls the 90kHz PTS/DTS off a PES packet's optional
// header, falling back to PTS for DTS when the packet carries no
// decode timestamp of its own (the common case for non-B-frame H.264).
func pesTimestamps(pes *astits.PESData) (pts, dts int64) {
	if pes.Header.OptionalHeader == nil {
		return 0, 0
	}
	if pes.Header.OptionalHeader.PTS != nil {
		pts = pes.Header.OptionalHeader.PTS.Base
	}
	dts = pts
	if pes.Header.OptionalHeader.DTS != nil {
		dts = pes.Header.OptionalHeader.DTS.Base
	}
	return pts, dts
}

// pesIsKeyframe splits a PES payload's Annex-B access unit and checks it
// for an IDR (H.264) or IRAP (H.265) NAL, mirroring the teacher daemon's
// ts_demuxer.go keyframe detection.
func pesIsKeyframe(data []byte, isH265 bool) bool {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return false
	}
	if isH265 {
		return h265.IsRandomAccess(au)
	}
	return h264.IsRandomAccess(au)
}

func buildStoragePolicies(cfg *config.Config) map[string]storagemgr.StreamPolicy {
	policies := make(map[string]storagemgr.StreamPolicy, len(cfg.Streams))
	for _, sc := range cfg.Streams {
		policies[sc.Name] = storagemgr.StreamPolicy{
			RetentionDays: cfg.Retention.DefaultRetentionDays,
			MaxBytes:      int64(cfg.Retention.DefaultQuotaBytes),
		}
	}
	return policies
}

// onDetectionResult promotes a stream's pre-buffer into a durable
// recording when the sidecar reports at least one detection.
func onDetectionResult(lookup func(string) *streamRuntime, recordings repository.RecordingRepository, logger *slog.Logger) detection.ResultHandler {
	return func(res detection.Result) {
		if len(res.Detections) == 0 {
			return
		}
		rt := lookup(res.StreamName)
		if rt == nil || rt.prebuf == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		now := time.Now()
		outPath := filepath.Join(rt.outputDir, fmt.Sprintf("%s-event-%d.mp4", res.StreamName, now.UnixNano()))
		if err := rt.prebuf.FlushToFile(ctx, outPath); err != nil {
			logger.Warn("pre-buffer flush failed", slog.String("stream", res.StreamName), slog.String("error", err.Error()))
			return
		}

		rec := &models.Recording{
			StreamName:  res.StreamName,
			FilePath:    outPath,
			StartTime:   now.Unix(),
			EndTime:     now.Unix(),
			IsComplete:  true,
			TriggerType: "detection",
		}
		if _, err := recordings.Create(ctx, rec); err != nil {
			logger.Warn("recording row insert failed", slog.String("stream", res.StreamName), slog.String("error", err.Error()))
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("creating output directory %q: %w", path, err)
	}
	return nil
}
