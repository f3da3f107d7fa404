package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

const version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "blockflux",
		Short:        "Deadline-aware block transfer over QUIC",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newSendCmd(), newRecvCmd())
	return root
}
