// Package warehouse reads the e-commerce dataset stored in SQLite.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/shopquery/shopquery/pkg/cache"
	"github.com/shopquery/shopquery/pkg/models"
)

// MaxRows caps the rows returned by Execute.
const MaxRows = 10000

// ErrUnknownTable is returned for sample requests naming a missing table.
var ErrUnknownTable = errors.New("unknown table")

// Warehouse wraps the dataset database.
type Warehouse struct {
	db     *sql.DB
	logger *zap.Logger

	mu          sync.Mutex
	fingerprint string
}

// Open connects to the dataset at dbPath. The file must already exist unless
// create is true.
func Open(dbPath string, create bool, logger *zap.Logger) (*Warehouse, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !create {
		if _, err := os.Stat(dbPath); err != nil {
			return nil, fmt.Errorf("dataset not found: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open dataset db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure dataset db: %w", err)
	}

	logger.Info("connected to dataset", zap.String("path", dbPath))
	return &Warehouse{db: db, logger: logger.Named("warehouse")}, nil
}

// Ping reports whether the database answers.
func (w *Warehouse) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// Tables lists user tables in name order.
func (w *Warehouse) Tables(ctx context.Context) ([]string, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// Schema returns every table with its ordered columns.
func (w *Warehouse) Schema(ctx context.Context) (models.Schema, error) {
	tables, err := w.Tables(ctx)
	if err != nil {
		return nil, err
	}

	schema := make(models.Schema, len(tables))
	for _, table := range tables {
		cols, err := w.columns(ctx, table)
		if err != nil {
			return nil, err
		}
		schema[table] = cols
	}
	return schema, nil
}

func (w *Warehouse) columns(ctx context.Context, table string) ([]models.Column, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	var cols []models.Column
	for rows.Next() {
		var (
			cid     int
			c       models.Column
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.NotNull = notnull != 0
		c.PrimaryKey = pk != 0
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// Fingerprint returns the schema fingerprint used in cache keys. It is
// computed once and reset whenever this Warehouse changes the schema.
func (w *Warehouse) Fingerprint(ctx context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fingerprint != "" {
		return w.fingerprint, nil
	}
	schema, err := w.Schema(ctx)
	if err != nil {
		return "", err
	}
	w.fingerprint = cache.SchemaFingerprint(schema)
	return w.fingerprint, nil
}

func (w *Warehouse) resetFingerprint() {
	w.mu.Lock()
	w.fingerprint = ""
	w.mu.Unlock()
}

// SampleData returns up to limit rows from table, or from every table when
// table is empty.
func (w *Warehouse) SampleData(ctx context.Context, table string, limit int) (map[string][]map[string]any, error) {
	if limit < 1 || limit > 100 {
		return nil, fmt.Errorf("limit must be between 1 and 100")
	}
	tables, err := w.Tables(ctx)
	if err != nil {
		return nil, err
	}
	if table != "" {
		i := sort.SearchStrings(tables, table)
		if i == len(tables) || tables[i] != table {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
		}
		tables = []string{table}
	}

	out := make(map[string][]map[string]any, len(tables))
	for _, t := range tables {
		rows, err := w.query(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT ?", quoteIdent(t)), limit)
		if err != nil {
			return nil, err
		}
		out[t] = rows
	}
	return out, nil
}

// Execute validates and runs a read-only query.
func (w *Warehouse) Execute(ctx context.Context, query string) ([]map[string]any, error) {
	if err := ValidateSQL(query); err != nil {
		return nil, err
	}
	w.logger.Debug("executing query", zap.String("sql", query))
	rows, err := w.query(ctx, query)
	if err != nil {
		w.logger.Error("query failed", zap.String("sql", query), zap.Error(err))
		return nil, err
	}
	w.logger.Info("query returned rows", zap.Int("count", len(rows)))
	return rows, nil
}

func (w *Warehouse) query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := make([]map[string]any, 0)
	for rows.Next() && len(result) < MaxRows {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// Close releases the database connection.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

// DateRange describes the span of the "date" column, preferring the sales
// table. It returns "" when no table has such a column.
func (w *Warehouse) DateRange(ctx context.Context) (string, error) {
	schema, err := w.Schema(ctx)
	if err != nil {
		return "", err
	}
	candidates := []string{"sales", "total_sales"}
	for t := range schema {
		candidates = append(candidates, t)
	}
	for _, t := range candidates {
		if !hasColumn(schema[t], "date") {
			continue
		}
		var lo, hi sql.NullString
		err := w.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT MIN("date"), MAX("date") FROM %s`, quoteIdent(t))).Scan(&lo, &hi)
		if err != nil {
			return "", fmt.Errorf("date range %s: %w", t, err)
		}
		if !lo.Valid || !hi.Valid {
			continue
		}
		return lo.String + " to " + hi.String, nil
	}
	return "", nil
}

func hasColumn(cols []models.Column, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}
