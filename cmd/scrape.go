package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ma2tools/forums-miner/internal/config"
	"github.com/ma2tools/forums-miner/internal/crawl"
	"github.com/ma2tools/forums-miner/internal/extract"
	"github.com/ma2tools/forums-miner/internal/fetcher"
	"github.com/ma2tools/forums-miner/internal/logging"
	"github.com/ma2tools/forums-miner/internal/output"
	"github.com/ma2tools/forums-miner/internal/state"
	"github.com/ma2tools/forums-miner/internal/telemetry"
	"github.com/ma2tools/forums-miner/internal/throttle"
)

// newScrapeCmd creates the 'scrape' subcommand, which performs one
// incremental pass over the board.
func newScrapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrape",
		Short: "Run one incremental crawl of the board",
		Long: `Discovers every thread on the configured board, scrapes the ones
that are new or carry new replies, and downloads their changed
attachments. Progress is checkpointed to the state file after every
thread, so an interrupted run resumes where it left off.`,
		RunE: runScrapeCommand,
	}
}

func runScrapeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	telemetry.Init()
	if cfg.Metrics.Port > 0 {
		go serveMetrics(cfg.Metrics.Port, logger)
	}

	engine, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}

	summary, err := engine.Run(cmd.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("crawl interrupted",
				zap.Int("succeeded", summary.Succeeded),
				zap.Int("failed", summary.Failed),
			)
			return nil
		}
		return fmt.Errorf("run crawl: %w", err)
	}
	return nil
}

func buildEngine(cfg config.Config, logger *zap.Logger) (*crawl.Engine, error) {
	stats := telemetry.NewStats()

	throttler := throttle.New(throttle.Config{
		TokensPerSecond: cfg.Throttle.TokensPerSecond,
		Capacity:        cfg.Throttle.BucketCapacity,
		InitialBackoff:  time.Duration(cfg.Throttle.CooloffInitialMs) * time.Millisecond,
		MaxBackoff:      time.Duration(cfg.Throttle.CooloffMaxMs) * time.Millisecond,
	})

	f := fetcher.New(fetcher.Config{
		UserAgent:      cfg.HTTP.UserAgent,
		Timeout:        cfg.RequestTimeout(),
		Concurrency:    cfg.HTTP.Concurrency,
		MaxRetries:     cfg.HTTP.MaxRetries,
		InitialBackoff: cfg.InitialBackoff(),
		MaxBackoff:     cfg.MaxBackoff(),
		MaxBodyBytes:   cfg.Output.MaxDownloadBytes,
		AllowedDomains: cfg.Forum.AllowedDomains,
	}, throttler, stats, logger)

	extractor, err := extract.New(cfg.Forum.BaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("init extractor: %w", err)
	}

	store := state.NewStore(cfg.Output.StateFile, cfg.Output.LegacyManifest, logger)
	sink := output.NewSink(cfg.Output.Dir, logger)

	return crawl.New(crawl.Config{
		BoardURL:         cfg.Forum.BoardURL,
		ProbePages:       cfg.Forum.ProbePages,
		MaxDownloadBytes: cfg.Output.MaxDownloadBytes,
	}, f, extractor, store, sink, stats, logger), nil
}

func serveMetrics(port int, logger *zap.Logger) {
	addr := fmt.Sprintf(":%d", port)
	logger.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, telemetry.Handler()); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
