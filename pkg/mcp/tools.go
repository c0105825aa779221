package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shopquery/shopquery/pkg/cache"
	"github.com/shopquery/shopquery/pkg/models"
)

type askArgs struct {
	Question string `json:"question"`
}

type logArgs struct {
	Days int `json:"days"`
}

type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"shopquery_ask":         handleAsk,
	"shopquery_schema":      handleSchema,
	"shopquery_cache_stats": handleCacheStats,
	"shopquery_cache_clear": handleCacheClear,
	"shopquery_query_log":   handleQueryLog,
}

var allTools = []ToolDefinition{
	{
		Name:        "shopquery_ask",
		Description: "Answer a natural-language question about the e-commerce dataset. Returns a summary, the SQL used and the first rows.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"question"},
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "The question, e.g. \"What is the total revenue per SKU?\"",
				},
			},
		},
	},
	{
		Name:        "shopquery_schema",
		Description: "List the dataset tables and their columns.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "shopquery_cache_stats",
		Description: "Show response cache statistics (entries, hits, misses, hit rate, evictions, expirations).",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "shopquery_cache_clear",
		Description: "Remove every cached response.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "shopquery_query_log",
		Description: "Summarize served questions per day.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days": map[string]any{
					"type":        "integer",
					"description": "Number of days to summarize (optional, default 7)",
				},
			},
		},
	},
}

func handleAsk(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args askArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	question := strings.TrimSpace(args.Question)
	if len(strings.Fields(question)) < 2 {
		return errorResult("question is required and must contain at least 2 words")
	}

	start := time.Now()
	fp, err := s.dataset.Fingerprint(ctx)
	c := s.cache
	if err != nil {
		s.logger.Warn("schema fingerprint unavailable, bypassing cache", zap.Error(err))
		c = nil
	}
	resp, hit, err := c.GetOrCompute(ctx, question, fp, func(ctx context.Context) (models.QueryResponse, error) {
		return s.pipeline.Run(ctx, question, false)
	})
	s.record(question, cache.Key(question, fp), hit, resp.RecordCount, start, err)
	if err != nil {
		return errorResult("Error answering question: " + err.Error())
	}
	return textResult(formatAnswer(resp))
}

func (s *Server) record(question, key string, hit bool, count int, start time.Time, qerr error) {
	if s.queryLog == nil {
		return
	}
	rec := models.QueryRecord{
		Question:    question,
		CacheKey:    key,
		CacheHit:    hit,
		RecordCount: count,
		LatencyMs:   time.Since(start).Milliseconds(),
	}
	if qerr != nil {
		rec.Status = "error"
	}
	// stdio handling is sequential, so record inline.
	if err := s.queryLog.Record(context.Background(), rec); err != nil {
		s.logger.Warn("query log write failed", zap.Error(err))
	}
}

func handleSchema(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	schema, err := s.dataset.Schema(ctx)
	if err != nil {
		return errorResult("Error fetching schema: " + err.Error())
	}
	return textResult(formatSchema(schema))
}

func handleCacheStats(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Cache is disabled.")
	}
	return textResult(formatCacheStats(s.cache.GetStatistics()))
}

func handleCacheClear(_ context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.cache == nil {
		return textResult("Cache is disabled.")
	}
	s.cache.ClearAll()
	return textResult("Cache cleared successfully")
}

func handleQueryLog(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.queryLog == nil {
		return textResult("Query logging is not configured.")
	}
	args := logArgs{Days: 7}
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Days <= 0 {
		args.Days = 7
	}
	rows, err := s.queryLog.Summary(ctx, time.Now().UTC().AddDate(0, 0, -args.Days))
	if err != nil {
		return errorResult("Error fetching query log: " + err.Error())
	}
	return textResult(formatQuerySummary(rows))
}
