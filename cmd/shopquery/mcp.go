package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shopquery/shopquery/pkg/config"
	"github.com/shopquery/shopquery/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve shopquery as an MCP tool server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// stdout carries the protocol; zap writes to stderr.
			a, err := newApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			srv := mcp.New(mcp.Options{
				Cache:    a.cache,
				Pipeline: a.pipeline,
				Dataset:  a.warehouse,
				QueryLog: a.queryLog,
				Logger:   a.logger,
				Version:  version,
			})
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}
