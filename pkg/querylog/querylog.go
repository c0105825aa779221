// Package querylog keeps a SQLite ledger of served questions.
package querylog

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/shopquery/shopquery/pkg/models"
)

// Log records and queries served questions.
type Log interface {
	// Record stores one served question.
	Record(ctx context.Context, rec models.QueryRecord) error
	// Recent returns the newest records first.
	Recent(ctx context.Context, limit int) ([]models.QueryRecord, error)
	// Summary aggregates records by day, newest day first.
	Summary(ctx context.Context, since time.Time) ([]models.QuerySummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteLog implements Log with a SQLite database.
type SQLiteLog struct {
	db        *sql.DB
	retention time.Duration
	logger    *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

const createTable = `
CREATE TABLE IF NOT EXISTS query_log (
	id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	cache_key TEXT NOT NULL,
	cache_hit INTEGER NOT NULL,
	record_count INTEGER NOT NULL,
	latency_ms INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_log_created ON query_log(created_at);
`

// New opens the ledger at dbPath and runs auto-migration. A positive
// retentionDays starts an hourly goroutine deleting older records.
func New(dbPath string, retentionDays int, logger *zap.Logger) (*SQLiteLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open query log db: %w", err)
	}
	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate query log db: %w", err)
	}

	l := &SQLiteLog{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.Named("querylog"),
		done:      make(chan struct{}),
	}
	if l.retention > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}
	return l, nil
}

// Record stores a served question. Missing IDs and timestamps are filled in.
func (l *SQLiteLog) Record(ctx context.Context, rec models.QueryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = "ok"
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO query_log (id, question, cache_key, cache_hit, record_count, latency_ms, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Question, rec.CacheKey, rec.CacheHit, rec.RecordCount, rec.LatencyMs, rec.Status, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record query: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (l *SQLiteLog) Recent(ctx context.Context, limit int) ([]models.QueryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, question, cache_key, cache_hit, record_count, latency_ms, status, created_at
		 FROM query_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent queries: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var r models.QueryRecord
		if err := rows.Scan(&r.ID, &r.Question, &r.CacheKey, &r.CacheHit, &r.RecordCount, &r.LatencyMs, &r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Summary aggregates records created at or after since by day.
func (l *SQLiteLog) Summary(ctx context.Context, since time.Time) ([]models.QuerySummary, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT date(created_at) AS day, COUNT(*),
		        COALESCE(SUM(cache_hit), 0),
		        COALESCE(SUM(CASE WHEN status != 'ok' THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(latency_ms), 0)
		 FROM query_log WHERE created_at >= ?
		 GROUP BY day ORDER BY day DESC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer rows.Close()

	var out []models.QuerySummary
	for rows.Next() {
		var s models.QuerySummary
		var day sql.NullString
		if err := rows.Scan(&day, &s.Requests, &s.CacheHits, &s.Errors, &s.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.Day = day.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// Cleanup deletes records older than the retention period.
func (l *SQLiteLog) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-l.retention)
	res, err := l.db.ExecContext(ctx, `DELETE FROM query_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("query log cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *SQLiteLog) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return l.db.Close()
}

func (l *SQLiteLog) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			n, err := l.Cleanup(context.Background())
			if err != nil {
				l.logger.Warn("query log cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				l.logger.Info("pruned query log", zap.Int64("removed", n))
			}
		}
	}
}
