package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shopquery/shopquery/pkg/models"
)

// The cache lives inside the serve process, so these commands talk to it
// over HTTP.
func newCacheCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response cache of a running server",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				CacheStats models.CacheStats `json:"cache_stats"`
				Enabled    bool              `json:"enabled"`
			}
			if err := callServer(cmd.Context(), http.MethodGet, addr, "/cache/stats", &out); err != nil {
				return err
			}
			if !out.Enabled {
				fmt.Fprintln(cmd.OutOrStdout(), "Cache is disabled.")
				return nil
			}
			printStats(cmd.OutOrStdout(), out.CacheStats)
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached response",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Message string `json:"message"`
			}
			if err := callServer(cmd.Context(), http.MethodPost, addr, "/cache/clear", &out); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Message)
			return nil
		},
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired cache entries now",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Message string `json:"message"`
				Removed int    `json:"removed_entries"`
			}
			if err := callServer(cmd.Context(), http.MethodPost, addr, "/cache/cleanup", &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d expired entries removed\n", out.Message, out.Removed)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&addr, "addr", "http://localhost:8000", "address of the running shopquery server")
	cmd.AddCommand(statsCmd, clearCmd, cleanupCmd)
	return cmd
}

func printStats(w io.Writer, st models.CacheStats) {
	fmt.Fprintf(w, "Entries:     %d / %d\n", st.Size, st.Capacity)
	fmt.Fprintf(w, "TTL:         %s\n", time.Duration(st.TTLSeconds)*time.Second)
	fmt.Fprintf(w, "Hits:        %d\n", st.Hits)
	fmt.Fprintf(w, "Misses:      %d\n", st.Misses)
	fmt.Fprintf(w, "Hit rate:    %.1f%%\n", st.HitRate*100)
	fmt.Fprintf(w, "Evictions:   %d\n", st.Evictions)
	fmt.Fprintf(w, "Expirations: %d\n", st.Expirations)
}

func callServer(ctx context.Context, method, addr, path string, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(addr, "/")+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contact server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
