package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shopquery/shopquery/pkg/api"
	"github.com/shopquery/shopquery/pkg/config"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the shopquery HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			a, err := newApp(ctx, cfg, reg)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			srv := api.New(api.Options{
				Listen:   cfg.Listen,
				Cache:    a.cache,
				Pipeline: a.pipeline,
				Dataset:  a.warehouse,
				LLM:      a.llm,
				QueryLog: a.queryLog,
				Registry: reg,
				Logger:   a.logger,
				Timeout:  cfg.LLM.Timeout * 2,
			})

			a.logger.Info("starting shopquery",
				zap.String("config", configPath),
				zap.String("dataset", cfg.DBPath),
				zap.String("model", cfg.LLM.Model))
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults plus env when empty)")
	return cmd
}
