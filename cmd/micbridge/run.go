package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/petems/micbridge/internal/app"
	"github.com/petems/micbridge/internal/capture"
	"github.com/petems/micbridge/internal/config"
	"github.com/petems/micbridge/internal/dump"
	"github.com/petems/micbridge/internal/logging"
	"github.com/petems/micbridge/internal/metrics"
	"github.com/petems/micbridge/internal/permissions"
	"github.com/petems/micbridge/internal/source"
	"github.com/petems/micbridge/internal/tray"
)

type runOptions struct {
	headless    bool
	dumpPath    string
	metricsAddr string
}

func runCommand(load func() (*config.Config, error)) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture audio and pump it at the output rate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if opts.dumpPath != "" {
				cfg.Output.DumpPath = opts.dumpPath
			}
			if opts.metricsAddr != "" {
				cfg.Metrics.Listen = opts.metricsAddr
			}
			return run(cmd.Context(), cfg, opts.headless)
		},
	}

	cmd.Flags().BoolVar(&opts.headless, "headless", false, "Run without the tray icon")
	cmd.Flags().StringVar(&opts.dumpPath, "dump", "", "Write everything pulled to this WAV file")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func run(parent context.Context, cfg *config.Config, headless bool) error {
	log := logging.NewWithLevel(cfg.LogLevel)

	// macOS requires explicit microphone approval before capture delivers audio
	if err := permissions.EnsurePermissions(); err != nil {
		return fmt.Errorf("required permissions not granted: %w", err)
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m, err := metrics.New()
	if err != nil {
		return err
	}
	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen, log); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	src, err := openSource(cfg, log, m.Source)
	if err != nil {
		return err
	}

	var sink app.Sink
	if cfg.Output.DumpPath != "" {
		w, err := dump.Create(cfg.Output.DumpPath, src.OutputRate(), src.Channels())
		if err != nil {
			_ = src.Close(context.Background())
			return err
		}
		log.Info().Str("path", cfg.Output.DumpPath).Msg("Dumping delivered audio")
		sink = w
	}

	var ui *tray.UI
	appCfg := app.Config{
		Source: src,
		Sink:   sink,
		Config: cfg,
		Logger: log,
	}
	if !headless {
		ui = tray.New(Version, Commit, log)
		appCfg.StatusUpdater = ui
	}
	application := app.New(appCfg)

	log.Info().Str("version", Version).Msg("micbridge starting...")

	var runErr error
	if headless {
		runErr = application.Run(ctx)
	} else {
		ui.SetApp(application)
		pumpErr := make(chan error, 1)
		go func() {
			err := application.Run(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Playback pump stopped")
			}
			pumpErr <- err
		}()
		// Tray UI - MUST run on main thread
		if err := ui.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Tray error")
		}
		cancel()
		runErr = <-pumpErr
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Recovery.ShutdownTimeout)
	defer stop()
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// openSource creates the configured backend and wraps it in a Source.
func openSource(cfg *config.Config, log zerolog.Logger, sm *metrics.SourceMetrics) (*source.Source, error) {
	backend, err := capture.New(cfg.Audio, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize audio: %w", err)
	}

	src, err := source.New(source.Config{
		Backend:           backend,
		OutputRate:        cfg.Output.SampleRate,
		ForceResample:     cfg.Output.ForceResample,
		Converter:         cfg.Resample.Converter,
		Quality:           cfg.Resample.Quality,
		DriftWindow:       cfg.Drift.Window,
		MinAdjustment:     cfg.Drift.MinAdjustment,
		MaxAdjustment:     cfg.Drift.MaxAdjustment,
		RetryInterval:     cfg.Recovery.RetryInterval,
		PollInterval:      cfg.Recovery.PollInterval,
		LostWarnThreshold: cfg.Recovery.LostWarnThreshold,
		ShutdownTimeout:   cfg.Recovery.ShutdownTimeout,
		Logger:            log,
		Metrics:           sm,
	})
	if err != nil {
		_ = backend.Shutdown()
		return nil, err
	}
	return src, nil
}
