package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/quorum/internal/gateway/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve approvement tools over MCP on stdin/stdout",
	Long: `Starts the approvement engine and its chat channels, then exposes
list_topics, create_approvement and get_approvement as MCP tools over stdio.
Logs are written to stderr so they never corrupt the protocol stream.`,
	RunE: runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
	logger, err := newLogger(os.Stderr, logLevel)
	if err != nil {
		return err
	}

	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting quorum mcp server", slog.String("config", path))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	if err := sc.Engine.Start(context.Background()); err != nil {
		return fmt.Errorf("starting approvement engine: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sc.Engine.Stop(ctx); err != nil {
			logger.Error("stopping approvement engine", slog.String("error", err.Error()))
		}
	}()

	return mcpserver.New(sc.Engine, version, logger).ServeStdio()
}
