package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aeolun/parlor/pkg/chat"
	"github.com/aeolun/parlor/pkg/database"
	"github.com/aeolun/parlor/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server until interrupted",
	Long: `Loads the stored snapshots, then serves /ws and /health on
[server].http_addr and /metrics on [server].metrics_addr.

On SIGINT or SIGTERM the server closes every connection and writes any
pending snapshot before exiting.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(config)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}

	metrics := server.NewMetrics()
	gateway := database.NewGateway(store,
		database.WithGatewayLogger(logger),
		database.WithFlushObserver(metrics))
	defer func() {
		// Final snapshot on shutdown
		if err := gateway.Close(); err != nil {
			logger.Error("failed to close storage", zap.Error(err))
		}
	}()

	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	svc, err := chat.Open(loadCtx, gateway,
		chat.WithLogger(logger),
		chat.WithDefaultChannelName(config.Channels.DefaultPublicName))
	cancel()
	if err != nil {
		return err
	}

	srv := server.NewServer(svc, config.ToServerConfig(),
		server.WithLogger(logger),
		server.WithMetrics(metrics))

	logger.Info("parlor starting",
		zap.String("storage", config.Storage.Driver),
		zap.String("http_addr", config.Server.HTTPAddr))
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("graceful shutdown complete")
	return nil
}
