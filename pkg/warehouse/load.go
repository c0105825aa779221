package warehouse

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DatasetTables maps the shipped CSV files to table names.
var DatasetTables = map[string]string{
	"eligibility.csv": "eligibility",
	"sales.csv":       "sales",
	"total_sales.csv": "total_sales",
}

// LoadCSV replaces table with the contents of r. The first record is the
// header. Column types are inferred as INTEGER, REAL or TEXT.
func (w *Warehouse) LoadCSV(ctx context.Context, table string, r io.Reader) (int, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return 0, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return 0, errors.New("csv has no header")
	}
	header, body := records[0], records[1:]
	types := inferTypes(len(header), body)

	defs := make([]string, len(header))
	for i, name := range header {
		defs[i] = quoteIdent(strings.TrimSpace(name)) + " " + types[i]
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(header)), ", ")

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin load: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(table)); err != nil {
		return 0, fmt.Errorf("drop %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(defs, ", "))); err != nil {
		return 0, fmt.Errorf("create %s: %w", table, err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(table), placeholders))
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for n, rec := range body {
		args := make([]any, len(header))
		for i := range header {
			if i < len(rec) {
				args[i] = convert(rec[i], types[i])
			}
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("insert row %d: %w", n+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit load: %w", err)
	}

	w.resetFingerprint()
	w.logger.Info("loaded table", zap.String("table", table), zap.Int("rows", len(body)))
	return len(body), nil
}

func inferTypes(n int, rows [][]string) []string {
	types := make([]string, n)
	for i := range types {
		types[i] = "INTEGER"
	}
	for _, row := range rows {
		for i := 0; i < n && i < len(row); i++ {
			v := strings.TrimSpace(row[i])
			if v == "" || types[i] == "TEXT" {
				continue
			}
			if _, err := strconv.ParseInt(v, 10, 64); err == nil {
				continue
			}
			if _, err := strconv.ParseFloat(v, 64); err == nil {
				types[i] = "REAL"
				continue
			}
			types[i] = "TEXT"
		}
	}
	return types
}

func convert(v, typ string) any {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	switch typ {
	case "INTEGER":
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case "REAL":
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
