package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shopquery/shopquery/pkg/models"
	"github.com/shopquery/shopquery/pkg/warehouse"
)

const exportFilePrefix = "shopquery_data_"

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	resp, ok := s.exportAnswer(w, r, req, start)
	if !ok {
		return
	}

	columns := csvColumns(resp.Data)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", attachment("csv"))
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write(columns)
	row := make([]string, len(columns))
	for _, rec := range resp.Data {
		for i, col := range columns {
			row[i] = csvValue(rec[col])
		}
		_ = cw.Write(row)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Warn("csv export write failed", zap.Error(err))
	}
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	resp, ok := s.exportAnswer(w, r, req, start)
	if !ok {
		return
	}

	w.Header().Set("Content-Disposition", attachment("json"))
	writeJSON(w, http.StatusOK, models.JSONExport{
		Metadata: models.ExportMetadata{
			Query:           req.Query,
			SQLQuery:        resp.SQLQuery,
			ExportTimestamp: time.Now().UTC().Format(time.RFC3339),
			RecordCount:     len(resp.Data),
			Cached:          resp.Cached,
		},
		Data: resp.Data,
	})
}

// exportAnswer answers req through the cache. Empty results are a 404.
func (s *Server) exportAnswer(w http.ResponseWriter, r *http.Request, req models.QueryRequest, start time.Time) (models.QueryResponse, bool) {
	resp, _, err := s.answer(r, req, start)
	if err != nil {
		s.writeQueryError(w, err)
		return resp, false
	}
	if len(resp.Data) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "No data found for the query", "")
		return resp, false
	}
	return resp, true
}

// csvColumns is the sorted union of the row keys.
func csvColumns(rows []map[string]any) []string {
	seen := map[string]struct{}{}
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func csvValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

func attachment(ext string) string {
	return fmt.Sprintf("attachment; filename=%s%s.%s", exportFilePrefix, time.Now().UTC().Format("20060102_150405"), ext)
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	send := func(ev models.StreamEvent) bool {
		b, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	resp, hit, err := s.answer(r, req, start)
	if err != nil {
		if msg, ok := s.streamErrorMessage(err); ok {
			send(models.StreamEvent{Type: "error", Message: msg})
		}
		return
	}

	count := resp.RecordCount
	if !send(models.StreamEvent{Type: "metadata", SQL: resp.SQLQuery, RecordCount: &count, Cached: hit}) {
		return
	}
	for _, chunk := range strings.SplitAfter(resp.Response, " ") {
		if chunk == "" {
			continue
		}
		if r.Context().Err() != nil || !send(models.StreamEvent{Type: "text", Content: chunk}) {
			return
		}
	}
	send(models.StreamEvent{Type: "complete"})
}

// streamErrorMessage maps a query failure to the message of an error event.
// It reports false when the client is already gone.
func (s *Server) streamErrorMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, warehouse.ErrUnsafeSQL):
		s.logger.Warn("generated sql rejected", zap.Error(err))
		return err.Error(), true
	case errors.Is(err, context.DeadlineExceeded):
		return "Query processing timed out", true
	case errors.Is(err, context.Canceled):
		return "", false
	default:
		s.logger.Error("streaming query failed", zap.Error(err))
		return "Query processing failed. Please try again.", true
	}
}
