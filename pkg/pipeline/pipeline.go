// Package pipeline turns a question into an answered QueryResponse by
// generating SQL, running it and summarizing the rows.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/shopquery/shopquery/pkg/models"
)

// Generator produces SQL and prose from a language model.
type Generator interface {
	GenerateSQL(ctx context.Context, question string, schema models.Schema, dateRange string) (string, error)
	Summarize(ctx context.Context, question, sql string, rows []map[string]any) (string, error)
}

// Dataset is the queryable store.
type Dataset interface {
	Schema(ctx context.Context) (models.Schema, error)
	DateRange(ctx context.Context) (string, error)
	Execute(ctx context.Context, query string) ([]map[string]any, error)
}

// Pipeline answers questions. It holds no cache; callers wrap Run with one.
type Pipeline struct {
	gen    Generator
	data   Dataset
	logger *zap.Logger
}

// New creates a Pipeline.
func New(gen Generator, data Dataset, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{gen: gen, data: data, logger: logger.Named("pipeline")}
}

// Run answers question. Summarization failures fall back to a computed
// summary instead of failing the request.
func (p *Pipeline) Run(ctx context.Context, question string, includeVisualization bool) (models.QueryResponse, error) {
	start := time.Now()

	schema, err := p.data.Schema(ctx)
	if err != nil {
		return models.QueryResponse{}, fmt.Errorf("load schema: %w", err)
	}
	dateRange, err := p.data.DateRange(ctx)
	if err != nil {
		p.logger.Warn("could not determine dataset date range", zap.Error(err))
	}

	sql, err := p.gen.GenerateSQL(ctx, question, schema, dateRange)
	if err != nil {
		return models.QueryResponse{}, err
	}
	p.logger.Info("generated sql", zap.String("sql", sql))

	rows, err := p.data.Execute(ctx, sql)
	if err != nil {
		return models.QueryResponse{}, err
	}

	answer, err := p.gen.Summarize(ctx, question, sql, rows)
	if err != nil {
		if ctx.Err() != nil {
			return models.QueryResponse{}, ctx.Err()
		}
		p.logger.Warn("summary generation failed, using fallback", zap.Error(err))
		answer = fmt.Sprintf("Based on the data, I found %d records. Key insights: %s", len(rows), Insights(rows))
	}

	resp := models.QueryResponse{
		Response:    answer,
		Data:        rows,
		SQLQuery:    sql,
		RecordCount: len(rows),
	}
	if includeVisualization && len(rows) > 0 {
		resp.Visualization = ChooseChart(rows)
	}
	resp.ExecutionTime = math.Round(time.Since(start).Seconds()*1000) / 1000
	return resp, nil
}
