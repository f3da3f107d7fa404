package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/spf13/cobra"

	"github.com/sheerbytes/blockflux/internal/bench"
	"github.com/sheerbytes/blockflux/internal/config"
	"github.com/sheerbytes/blockflux/internal/logging"
	"github.com/sheerbytes/blockflux/internal/quictransport"
	"github.com/sheerbytes/blockflux/internal/receiver"
	"github.com/sheerbytes/blockflux/internal/transferquic"
	"github.com/sheerbytes/blockflux/pkg/protocol"
)

const reportInterval = time.Second

func newRecvCmd() *cobra.Command {
	cfg, envErr := config.NewRecvConfig()
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Connect to a sender and report which blocks arrived within their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runRecv(cmd.Context(), cfg)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func runRecv(ctx context.Context, cfg config.RecvConfig) error {
	logger := logging.NewWithWriter("blockflux-recv", cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	qconn, err := quictransport.Dial(ctx, cfg.Addr, quictransport.Options{}, logger)
	if err != nil {
		return err
	}
	conn, err := transferquic.NewDialer(qconn, logger).Dial(ctx, cfg.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	r := receiver.New(conn, receiver.Options{Logger: logger})
	reportCtx, stopReport := context.WithCancel(ctx)
	defer stopReport()
	go report(reportCtx, r, logger)

	err = r.Run(ctx)
	if senderLeft(err) {
		err = nil
	}

	sum := r.Summary()
	logger.Info("receive finished",
		"blocks", sum.Blocks,
		"on_time", sum.OnTime,
		"late", sum.Late,
		"reset", sum.Reset,
		"bytes", sum.Bytes)
	if env, encErr := protocol.NewEnvelope(protocol.TypeReceiverSummary, protocol.NewMsgID(), sum); encErr == nil {
		json.NewEncoder(os.Stdout).Encode(env)
	}
	if err != nil {
		return fmt.Errorf("recv: %w", err)
	}
	return nil
}

// report logs goodput once per interval.
func report(ctx context.Context, r *receiver.Receiver, logger *slog.Logger) {
	goodput := bench.NewGoodput()
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sum := r.Summary()
			snap := goodput.Tick(now, int64(sum.Bytes), int64(sum.OnTimeBytes))
			logger.Info("goodput",
				"blocks", sum.Blocks,
				"inst_mbps", snap.InstMBps,
				"avg_mbps", snap.AvgMBps,
				"peak_mbps", snap.PeakMBps,
				"on_time_ratio", snap.OnTimeRatio)
		}
	}
}

// senderLeft reports whether err is the sender closing the connection
// normally.
func senderLeft(err error) bool {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Remote && appErr.ErrorCode == 0
	}
	var idleErr *quic.IdleTimeoutError
	return errors.As(err, &idleErr)
}
