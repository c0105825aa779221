package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopquery/shopquery/pkg/config"
	"github.com/shopquery/shopquery/pkg/querylog"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		days       int
		recent     int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show served-query statistics from the query log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Retention is left to the server.
			ql, err := querylog.New(cfg.QueryLog.DBPath, 0, nil)
			if err != nil {
				return err
			}
			defer ql.Close()

			ctx := context.Background()

			if recent > 0 {
				recs, err := ql.Recent(ctx, recent)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("No queries recorded.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tSTATUS\tCACHE\tROWS\tLATENCY\tQUESTION")
				for _, r := range recs {
					hit := "miss"
					if r.CacheHit {
						hit = "hit"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%dms\t%s\n",
						r.CreatedAt.Format("2006-01-02T15:04:05"), r.Status, hit, r.RecordCount, r.LatencyMs, r.Question)
				}
				return w.Flush()
			}

			since := time.Now().UTC().AddDate(0, 0, -days)
			summaries, err := ql.Summary(ctx, since)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No queries recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tREQUESTS\tCACHE HITS\tHIT RATE\tERRORS\tAVG LATENCY")
			for _, s := range summaries {
				rate := 0.0
				if s.Requests > 0 {
					rate = float64(s.CacheHits) / float64(s.Requests) * 100
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%.1f%%\t%d\t%.0fms\n",
					s.Day, s.Requests, s.CacheHits, rate, s.Errors, s.AvgLatencyMs)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().IntVar(&days, "days", 7, "number of days to summarize")
	cmd.Flags().IntVar(&recent, "recent", 0, "list the N most recent queries instead of the summary")
	return cmd
}
