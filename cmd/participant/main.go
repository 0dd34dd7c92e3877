// Package main provides the entry point for a mining participant.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"consensus-mining/internal/bus"
	"consensus-mining/internal/config"
	"consensus-mining/internal/logger"
	"consensus-mining/internal/metrics"
	"consensus-mining/internal/models"
	"consensus-mining/internal/node"
	"consensus-mining/internal/sim"
	"consensus-mining/internal/tui"
)

// dashboardBuffer bounds snapshots queued for the dashboard; older ones are dropped.
const dashboardBuffer = 256

func main() {
	cmd := &cobra.Command{
		Use:   "participant [N]",
		Short: "Join a group of N participants that elect a controller and mine proof-of-work challenges",
		Long: "participant discovers N-1 peers on a shared message bus, elects one controller " +
			"and then either issues SHA-1 challenges or races to solve them.\n\n" +
			"Configuration is read from the environment and from .env in the working directory.",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args)
		},
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(parent context.Context, args []string) error {
	// Try to load .env from CWD if present; otherwise use environment as-is
	if _, statErr := os.Stat(".env"); statErr == nil {
		_ = godotenv.Load(".env")
	}

	cfg, envErr := config.Load()

	log := logger.New(cfg.Debug)
	if cfg.TUI {
		// the dashboard owns the terminal, so logs go to a file
		logFile, err := logger.OpenFile(cfg.LogFile)
		if err != nil {
			return errors.Wrapf(err, "open log file %s", cfg.LogFile)
		}
		defer logFile.Close()
		log = logger.NewWithWriter(cfg.Debug, logFile)
	}
	if envErr != nil {
		log.Warn().Err(envErr).Msg("invalid environment values, using defaults")
	}

	n, err := config.ParseParticipants(args)
	if err != nil {
		log.Warn().Err(err).Int("participants", n).Msg("invalid participant count, using default")
	}
	cfg.Participants = n
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Info().Str("config", cfg.DebugString()).Msg("participant starting")

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := node.OptionsFromConfig(cfg)
	opts.Metrics = metrics.NewCollector(registry)
	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(log, cfg.MetricsAddr, registry)
		g.Go(func() error { return srv.Run(ctx) })
	}

	if cfg.TUI {
		updates := make(chan node.Snapshot, dashboardBuffer)
		opts.Observer = func(s node.Snapshot) {
			select {
			case updates <- s:
			default:
			}
		}
		g.Go(func() error {
			err := tui.Run(ctx, updates)
			// TUI exited, cancel context to trigger shutdown
			cancel()
			return err
		})
	}

	g.Go(func() error {
		if cfg.Simulate {
			return sim.Run(ctx, cfg, opts, log)
		}
		return runParticipant(ctx, cfg, opts, log)
	})

	err = g.Wait()
	log.Info().Msg("participant stopped")
	return err
}

func runParticipant(ctx context.Context, cfg config.Config, opts node.Options, log zerolog.Logger) error {
	id := models.NewIdentity()
	b, err := bus.Open(ctx, cfg, string(id), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Msg("close bus")
		}
	}()

	log.Info().Str("id", string(id)).Str("bus", cfg.Bus).Msg("participant joined")
	return node.New(id, b, opts, log).Run(ctx)
}
