package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gftdcojp/hpcds/internal/archive"
	"github.com/gftdcojp/hpcds/internal/config"
	"github.com/gftdcojp/hpcds/internal/lifecycle"
	"github.com/gftdcojp/hpcds/internal/metrics"
	"github.com/gftdcojp/hpcds/internal/notify"
	"github.com/gftdcojp/hpcds/pkg/hpcds"
	"github.com/gftdcojp/hpcds/pkg/natsutil"
	"github.com/gftdcojp/hpcds/pkg/s3util"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hpcds-export %s\n", version)
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

	client, err := hpcds.New(hpcds.Config{
		ServerURL:    cfg.Datastore.URL,
		Dataset:      cfg.Datastore.Dataset,
		Token:        cfg.Datastore.Token,
		HTTPClient:   &http.Client{Timeout: cfg.Datastore.RequestTimeout.Duration()},
		LeaseTimeout: cfg.Datastore.LeaseTimeout.Duration(),
		MaxURLLength: cfg.Datastore.MaxURLLength,
		JournalPath:  cfg.Sessions.JournalPath,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("closing datastore client", zap.Error(err))
		}
	}()

	// Optional S3 archive
	var s3Client *s3util.Client
	var store *archive.Store
	if cfg.Archive.Enabled {
		s3Client, err = s3util.NewClient(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("creating S3 client: %w", err)
		}
		if cfg.Archive.CreateBucket {
			created, err := s3Client.EnsureBucket(ctx)
			if err != nil {
				return err
			}
			if created {
				logger.Info("created archive bucket", zap.String("bucket", cfg.Archive.Bucket))
			}
		}
		store = archive.NewStore(s3Client.S3, cfg.Archive, logger)
	}

	// Optional NATS notifications
	var nc *nats.Conn
	var publisher *notify.Publisher
	if cfg.Notify.Enabled {
		nc, err = natsutil.Connect(cfg.Notify, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer func() {
			if err := natsutil.Drain(nc, 5*time.Second); err != nil {
				logger.Warn("closing NATS connection", zap.Error(err))
			}
		}()
		publisher = notify.NewPublisher(nc, cfg.Notify.SubjectPrefix, logger)
	}

	exp := &exporter{
		client:    client,
		archive:   store,
		publisher: publisher,
		cfg:       cfg.Export,
		logger:    logger.Named("export"),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		interval := cfg.Export.Interval.Duration()
		for {
			if _, err := exp.run(gctx); err != nil {
				return fmt.Errorf("export: %w", err)
			}
			if interval <= 0 {
				cancel()
				return nil
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(interval):
			}
		}
	})

	// Journal GC loop
	if journal := client.Journal(); journal != nil {
		gcMgr := lifecycle.NewManager(journal, client.LeaseManager().Now, logger)
		g.Go(func() error { return gcMgr.Run(gctx, cfg.Sessions.GCInterval.Duration()) })
	}

	// Start metrics server
	if cfg.Observability.Metrics.Enabled {
		g.Go(func() error { return metrics.RunServer(gctx, cfg.Observability.Metrics) })
	}

	// Start health server
	if cfg.Observability.Health.Enabled {
		healthChecker := metrics.NewHealthChecker(cfg.Datastore.URL, nc, client.Journal(), s3Client)
		g.Go(func() error {
			return metrics.RunHealthServer(gctx, cfg.Observability.Health, healthChecker)
		})
	}

	logger.Info("hpcds-export started",
		zap.String("version", version),
		zap.String("datastore", cfg.Datastore.URL),
		zap.String("dataset", cfg.Datastore.Dataset),
		zap.Bool("archive", cfg.Archive.Enabled),
		zap.Bool("notify", cfg.Notify.Enabled),
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down, stopping leases...")
	return nil
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
