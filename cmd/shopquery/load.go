package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shopquery/shopquery/pkg/config"
	"github.com/shopquery/shopquery/pkg/warehouse"
)

func newLoadCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "load <csv-dir>",
		Short: "Load the e-commerce CSV files into the dataset database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
				return err
			}

			wh, err := warehouse.Open(cfg.DBPath, true, zap.NewNop())
			if err != nil {
				return err
			}
			defer func() { _ = wh.Close() }()

			files := make([]string, 0, len(warehouse.DatasetTables))
			for f := range warehouse.DatasetTables {
				files = append(files, f)
			}
			sort.Strings(files)

			ctx := context.Background()
			loaded := 0
			for _, f := range files {
				table := warehouse.DatasetTables[f]
				n, err := loadFile(ctx, wh, filepath.Join(args[0], f), table)
				if os.IsNotExist(err) {
					fmt.Fprintf(cmd.OutOrStdout(), "skipping %s: not found\n", f)
					continue
				}
				if err != nil {
					return fmt.Errorf("load %s: %w", f, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rows\n", table, n)
				loaded++
			}
			if loaded == 0 {
				return fmt.Errorf("no dataset files found in %s", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func loadFile(ctx context.Context, wh *warehouse.Warehouse, path, table string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return wh.LoadCSV(ctx, table, f)
}
