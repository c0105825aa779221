package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopquery/shopquery/pkg/models"
)

// Insights reports the row count and the average of up to three numeric columns.
func Insights(rows []map[string]any) string {
	if len(rows) == 0 {
		return "No data available"
	}
	parts := []string{fmt.Sprintf("Total records: %d", len(rows))}

	numeric := numericColumns(rows[0])
	if len(numeric) > 3 {
		numeric = numeric[:3]
	}
	for _, col := range numeric {
		var sum float64
		var n int
		for _, r := range rows {
			if v, ok := toFloat(r[col]); ok {
				sum += v
				n++
			}
		}
		if n > 0 {
			parts = append(parts, fmt.Sprintf("Average %s: %.2f", col, sum/float64(n)))
		}
	}
	return strings.Join(parts, "; ")
}

// ChooseChart picks a chart type for rows: a line over a date-like first
// dimension, a bar otherwise, and a table when nothing is numeric.
func ChooseChart(rows []map[string]any) *models.ChartHint {
	first := rows[0]
	numeric := numericColumns(first)
	if len(numeric) == 0 {
		return &models.ChartHint{Type: "table"}
	}

	var dims []string
	for _, k := range sortedKeys(first) {
		if _, ok := toFloat(first[k]); !ok {
			dims = append(dims, k)
		}
	}
	hint := &models.ChartHint{Type: "bar", YField: numeric[0]}
	if len(dims) > 0 {
		hint.XField = dims[0]
		if strings.Contains(strings.ToLower(dims[0]), "date") {
			hint.Type = "line"
		}
	} else if len(numeric) > 1 {
		hint.XField, hint.YField = numeric[0], numeric[1]
	}
	return hint
}

func numericColumns(row map[string]any) []string {
	var cols []string
	for _, k := range sortedKeys(row) {
		if k == "id" {
			continue
		}
		if _, ok := toFloat(row[k]); ok {
			cols = append(cols, k)
		}
	}
	return cols
}

func sortedKeys(row map[string]any) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
