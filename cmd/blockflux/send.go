package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/blockflux/internal/block"
	"github.com/sheerbytes/blockflux/internal/config"
	"github.com/sheerbytes/blockflux/internal/debugsrv"
	"github.com/sheerbytes/blockflux/internal/logging"
	"github.com/sheerbytes/blockflux/internal/pacing"
	"github.com/sheerbytes/blockflux/internal/quictransport"
	"github.com/sheerbytes/blockflux/internal/scheduler"
	"github.com/sheerbytes/blockflux/internal/sender"
	"github.com/sheerbytes/blockflux/internal/transferquic"
	"github.com/sheerbytes/blockflux/internal/workload"
)

func newSendCmd() *cobra.Command {
	cfg, envErr := config.NewSendConfig()
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Wait for a receiver and stream synthetic deadline-bound blocks to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			profile, err := config.LoadProfile(cfg.Profile)
			if err != nil {
				return err
			}
			return runSend(cmd.Context(), cfg, profile)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func runSend(ctx context.Context, cfg config.SendConfig, profile config.Profile) error {
	logger := logging.NewWithWriter("blockflux-send", cfg.LogLevel, cfg.LogFormat, os.Stdout)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sched, err := scheduler.New(cfg.Policy, cfg.PolicyConfig())
	if err != nil {
		return err
	}
	sched = scheduler.Instrument(sched, scheduler.NewMetrics(registry), logger)

	ln, err := quictransport.Listen(cfg.Addr, quictransport.Options{}, logger)
	if err != nil {
		return err
	}
	tr := transferquic.NewListener(ln, logger)
	defer tr.Close()

	logger.Info("waiting for receiver", "addr", ln.Addr(), "policy", sched.Name())
	conn, err := tr.Accept(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	store := block.NewStore(nil, 0)
	pacer := pacing.NewEstimator(pacing.Config{Rate: cfg.PacingRate})
	engine := sender.NewEngine(conn, sched, store, pacer, sender.Options{
		ChunkSize: cfg.ChunkSize,
		Logger:    logger,
		Metrics:   sender.NewMetrics(registry),
	})
	gen := workload.NewGenerator(profile, engine, logger)

	eg, ctx := errgroup.WithContext(ctx)
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	eg.Go(func() error { return engine.Run(runCtx) })
	eg.Go(func() error { return engine.ProbeRTT(runCtx, cfg.ProbeInterval) })
	eg.Go(func() error {
		genCtx, stopGen := context.WithTimeout(runCtx, cfg.Duration)
		defer stopGen()
		err := gen.Run(genCtx)

		// queued blocks either finish or expire within the longest deadline
		drain := time.NewTimer(maxDeadline(profile))
		defer drain.Stop()
		select {
		case <-runCtx.Done():
		case <-drain.C:
		}
		stopRun()
		return err
	})
	if cfg.DebugAddr != "" {
		srv := debugsrv.New(registry, engine, logger, 0)
		eg.Go(func() error { return srv.ListenAndServe(runCtx, cfg.DebugAddr) })
	}

	err = eg.Wait()
	stats := engine.Stats()
	logger.Info("send finished",
		"session_id", engine.SessionID(),
		"generated", gen.Emitted(),
		"blocks_sent", stats.BlocksSent,
		"blocks_dropped", stats.BlocksDropped,
		"bytes_sent", stats.BytesSent,
		"stale_selections", stats.Fallbacks)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

func maxDeadline(p config.Profile) time.Duration {
	return lo.MaxBy(p.Streams, func(a, b config.StreamClass) bool {
		return a.Deadline > b.Deadline
	}).Deadline
}
