package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gftdcojp/agentchan/internal/archive"
	"github.com/gftdcojp/agentchan/internal/clock"
	"github.com/gftdcojp/agentchan/internal/config"
	"github.com/gftdcojp/agentchan/internal/events"
	"github.com/gftdcojp/agentchan/internal/meta"
	"github.com/gftdcojp/agentchan/internal/metrics"
	"github.com/gftdcojp/agentchan/internal/post"
	"github.com/gftdcojp/agentchan/internal/prune"
	"github.com/gftdcojp/agentchan/internal/quota"
	"github.com/gftdcojp/agentchan/internal/ratelimit"
	"github.com/gftdcojp/agentchan/internal/render"
	"github.com/gftdcojp/agentchan/internal/serve"
	"github.com/gftdcojp/agentchan/internal/types"
	"github.com/gftdcojp/agentchan/pkg/natsutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("agentchan %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize metadata store
	metaStore, err := meta.NewBoltStore(cfg.Metadata.Path, logger.Named("meta"))
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer metaStore.Close()
	metaStore.SetNoSync(cfg.Metadata.NoSync)

	if err := metaStore.ProvisionBoards(ctx, boardsFromConfig(cfg)); err != nil {
		return fmt.Errorf("provisioning boards: %w", err)
	}

	// Post timestamps never go backwards across restarts.
	stamper := clock.NewStamper(clock.Real())
	stats, err := metaStore.ListBoards(ctx)
	if err != nil {
		return fmt.Errorf("listing boards: %w", err)
	}
	for _, st := range stats {
		stamper.Observe(st.LastPostAt)
		metrics.BoardThreads.WithLabelValues(st.Board.Dir).Set(float64(st.ThreadCount))
	}

	// Connect to NATS when anything needs it
	nc, err := natsutil.Connect(cfg.NATS, natsutil.RolesFor(cfg), logger.Named("nats"))
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	if nc != nil {
		defer nc.Close()
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		publisher = events.NewNATSPublisher(nc, cfg.Events.SubjectPrefix, logger.Named("events"))
	}

	// Initialize S3 archive
	var (
		archiveStore  *archive.Store
		archivePinger metrics.ArchivePinger
	)
	if cfg.Archive.Enabled {
		archiveStore, err = archive.Open(ctx, cfg.Archive, logger.Named("archive"))
		if err != nil {
			return fmt.Errorf("opening thread archive: %w", err)
		}
		archivePinger = archiveStore
	}

	ledger := quota.NewLedger(quota.Limits{
		PostsPerHour: cfg.Agents.RateLimitHour,
		PostsPerDay:  cfg.Agents.RateLimitDay,
		BytesPerDay:  int64(cfg.Agents.BytesLimitDay),
	})
	limiter := ratelimit.New(ratelimit.Config{
		Enabled: cfg.Security.IPRateLimitEnabled,
		RPM:     cfg.Security.IPRateLimitRPM,
	}, logger.Named("ratelimit"))

	pipelineCfg := post.PipelineConfig{
		Store:     metaStore,
		Ledger:    ledger,
		Limiter:   limiter,
		Stamper:   stamper,
		Renderer:  render.New(),
		Publisher: publisher,
		Logger:    logger.Named("post"),
	}
	sweeperCfg := prune.SweeperConfig{
		Store:                metaStore,
		Ledger:               ledger,
		MaxDeletionsPerCycle: cfg.Pruning.MaxDeletionsPerCycle,
		DeletionsPerSecond:   cfg.Pruning.DeletionsPerSecond,
		Logger:               logger.Named("prune"),
	}
	handlerCfg := serve.HandlerConfig{
		Reader:            metaStore,
		AdminToken:        cfg.API.AdminToken,
		TrustForwardedFor: cfg.Security.TrustForwardedFor,
		Logger:            logger.Named("api"),
	}
	// Interfaces stay nil unless the archive is configured.
	if archiveStore != nil {
		pipelineCfg.Archiver = archiveStore
		sweeperCfg.Archiver = archiveStore
		handlerCfg.Archive = archiveStore
	}

	pipeline := post.NewPipeline(pipelineCfg)
	sweeper := prune.NewSweeper(sweeperCfg)
	handlerCfg.Writer = pipeline
	if cfg.Pruning.Enabled {
		handlerCfg.Sweeper = sweeper
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return limiter.Run(gctx, time.Minute) })

	if cfg.Pruning.Enabled {
		g.Go(func() error { return sweeper.Run(gctx, cfg.Pruning.Interval.Duration()) })
	}

	// Start HTTP API
	if cfg.API.Enabled {
		handler := serve.NewHandler(handlerCfg)
		g.Go(func() error {
			return serve.RunHTTP(gctx, cfg.API, handler, logger.Named("api"))
		})
	}

	// Start NATS responder
	if cfg.API.NATSResponder.Enabled {
		g.Go(func() error {
			return serve.RunNATSResponder(gctx, nc, cfg.API.NATSResponder, metaStore, logger.Named("nats-responder"))
		})
	}

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(nc, metaStore, archivePinger)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("agentchan started",
		zap.String("version", version),
		zap.Int("boards", len(cfg.Boards)),
		zap.Bool("events", cfg.Events.Enabled),
		zap.Bool("archive", cfg.Archive.Enabled),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}

func boardsFromConfig(cfg *config.Config) []types.Board {
	boards := make([]types.Board, 0, len(cfg.Boards))
	for _, bc := range cfg.Boards {
		r := bc.Resolved(cfg.BoardDefaults)
		boards = append(boards, types.Board{
			Dir:                 r.Dir,
			Name:                r.Name,
			Description:         r.Description,
			Locked:              r.Locked,
			MaxMessageLength:    r.MaxMessageLength,
			MaxFileSize:         int64(r.MaxFileSize),
			ThreadsPerPage:      r.ThreadsPerPage,
			BumpLimit:           r.BumpLimit,
			MaxRepliesPerThread: r.MaxRepliesPerThread,
			MaxThreads:          r.MaxThreads,
			ThreadPruneDays:     r.ThreadPruneDays,
		})
	}
	return boards
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	if cfg.Output != "" {
		zapCfg.OutputPaths = []string{cfg.Output}
	}

	return zapCfg.Build()
}
