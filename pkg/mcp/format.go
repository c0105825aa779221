package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopquery/shopquery/pkg/models"
)

const maxAnswerRows = 20

// formatAnswer renders a query response as text with a row preview.
func formatAnswer(resp models.QueryResponse) string {
	var b strings.Builder
	b.WriteString(resp.Response)
	b.WriteString("\n\n")
	if resp.SQLQuery != "" {
		fmt.Fprintf(&b, "SQL: %s\n", resp.SQLQuery)
	}
	fmt.Fprintf(&b, "Rows: %d", resp.RecordCount)
	if resp.Cached {
		b.WriteString(" (cached)")
	}
	b.WriteString("\n")
	if len(resp.Data) == 0 {
		return b.String()
	}

	cols := make([]string, 0, len(resp.Data[0]))
	for k := range resp.Data[0] {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	b.WriteString("\n" + strings.Join(cols, " | ") + "\n")
	for i, row := range resp.Data {
		if i == maxAnswerRows {
			fmt.Fprintf(&b, "... %d more rows\n", len(resp.Data)-maxAnswerRows)
			break
		}
		vals := make([]string, len(cols))
		for j, c := range cols {
			vals[j] = fmt.Sprint(row[c])
		}
		b.WriteString(strings.Join(vals, " | ") + "\n")
	}
	return b.String()
}

// formatSchema lists tables and columns in name order.
func formatSchema(schema models.Schema) string {
	if len(schema) == 0 {
		return "No tables found."
	}
	tables := make([]string, 0, len(schema))
	for t := range schema {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var b strings.Builder
	for _, t := range tables {
		fmt.Fprintf(&b, "%s\n", t)
		for _, c := range schema[t] {
			fmt.Fprintf(&b, "  %-28s %s\n", c.Name, c.Type)
		}
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:     %d / %d\n"+
		"  TTL:         %ds\n"+
		"  Hits:        %d\n"+
		"  Misses:      %d\n"+
		"  Hit Rate:    %.1f%%\n"+
		"  Evictions:   %d\n"+
		"  Expirations: %d\n",
		stats.Size, stats.Capacity, stats.TTLSeconds, stats.Hits, stats.Misses,
		stats.HitRate*100, stats.Evictions, stats.Expirations)
}

// formatQuerySummary formats per-day query log summaries as a text table.
func formatQuerySummary(rows []models.QuerySummary) string {
	if len(rows) == 0 {
		return "No queries recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %9s %11s %7s %12s\n", "Day", "Requests", "Cache Hits", "Errors", "Avg Latency")
	b.WriteString(strings.Repeat("-", 55) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-12s %9d %11d %7d %10.0fms\n",
			r.Day, r.Requests, r.CacheHits, r.Errors, r.AvgLatencyMs)
	}
	return b.String()
}
