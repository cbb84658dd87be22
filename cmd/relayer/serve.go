package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/relayer/internal/api"
	"github.com/mattjoyce/relayer/internal/archive"
	"github.com/mattjoyce/relayer/internal/colorscale"
	"github.com/mattjoyce/relayer/internal/config"
	"github.com/mattjoyce/relayer/internal/dispatch"
	"github.com/mattjoyce/relayer/internal/events"
	"github.com/mattjoyce/relayer/internal/history"
	"github.com/mattjoyce/relayer/internal/ledger"
	"github.com/mattjoyce/relayer/internal/lock"
	"github.com/mattjoyce/relayer/internal/log"
	"github.com/mattjoyce/relayer/internal/manifest"
	"github.com/mattjoyce/relayer/internal/pipeline"
	"github.com/mattjoyce/relayer/internal/scheduler"
	"github.com/mattjoyce/relayer/internal/share"
	"github.com/mattjoyce/relayer/internal/storage"
	"github.com/mattjoyce/relayer/internal/upload"
	"github.com/mattjoyce/relayer/internal/workspace"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, archive workers and housekeeping in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("relayer starting", "version", version, "config", cfg.SourcePath)

	lockPath := filepath.Join(cfg.Paths.Root, lock.FileName)
	pidLock, err := lock.Acquire(lockPath)
	if err != nil {
		return fmt.Errorf("another instance may be running: %w", err)
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", lockPath)

	for _, dir := range []string{cfg.StagingDir(), cfg.UsersDir(), cfg.ShareDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if err := cfg.VerifyColourMap(); err != nil {
		return err
	}
	table, err := colorscale.LoadTable(cfg.ColourMap())
	if err != nil {
		return err
	}
	logger.Info("colour table loaded", "path", cfg.ColourMap(), "entries", table.Len())

	db, err := storage.OpenSQLite(ctx, cfg.StatePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.StatePath())
	l := ledger.New(db)

	ws, err := workspace.NewManager(cfg.UsersDir(), log.WithComponent("workspace"))
	if err != nil {
		return err
	}
	uploads := upload.NewAssembler(afero.NewOsFs(), cfg.StagingDir(), log.WithComponent("upload"))
	hub := events.NewHub(0)

	archOpts := archive.Options{
		Workers:   cfg.Archive.Workers,
		QueueSize: cfg.Archive.QueueSize,
		FileName:  cfg.Archive.FileName,
		Recorder:  l,
		Events:    hub,
		Logger:    log.WithComponent("archive"),
	}
	if cfg.Archive.S3.Bucket != "" {
		mirror, err := archive.NewS3Mirror(ctx, cfg.Archive.S3, log.WithComponent("s3"))
		if err != nil {
			return fmt.Errorf("configure s3 mirror: %w", err)
		}
		archOpts.Mirror = mirror
		logger.Info("archive mirror enabled", "bucket", cfg.Archive.S3.Bucket, "prefix", cfg.Archive.S3.Prefix)
	}
	arch := archive.New(archOpts)

	shares := share.New(ws, cfg.ShareDir(), hub, log.WithComponent("share"))
	svc, err := pipeline.New(pipeline.Deps{
		Staging:    uploads,
		Workspace:  ws,
		Runner:     dispatch.New(cfg.Tool, log.WithComponent("dispatch")),
		Table:      table,
		Ledger:     l,
		Archiver:   arch,
		Shares:     shares,
		Events:     hub,
		Links:      manifest.NewLinks(cfg.Service.PublicURL),
		OutputGrid: cfg.Tool.OutputGrid,
		Logger:     log.WithComponent("pipeline"),
	})
	if err != nil {
		return err
	}

	sched := scheduler.New(l, uploads, ws, scheduler.Options{
		Interval:     cfg.Uploads.SweepInterval,
		Jitter:       cfg.Uploads.SweepJitter,
		AbandonAfter: cfg.Uploads.AbandonAfter,
		Events:       hub,
		Logger:       log.WithComponent("scheduler"),
	})
	// Recovery must finish before the API accepts new jobs.
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()
	arch.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.API.Enabled {
		server := api.New(api.Config{
			Listen:       cfg.API.Listen,
			MaxBodyBytes: cfg.API.MaxBodyBytes,
		}, api.Deps{
			Uploads:  uploads,
			Pipeline: svc,
			History:  history.New(ws, log.WithComponent("history")),
			Shares:   shares,
			Runs:     ws,
			Archives: arch,
			Events:   hub,
		}, log.WithComponent("api"))
		g.Go(func() error {
			err := server.Start(gctx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logger.Info("relayer running (press Ctrl+C to stop)")
	err = g.Wait()

	sched.Stop()
	if cerr := arch.Close(); cerr != nil {
		logger.Error("archive shutdown failed", "error", cerr)
	}
	if err != nil {
		logger.Error("component failed", "error", err)
		return err
	}
	logger.Info("relayer stopped")
	return nil
}
