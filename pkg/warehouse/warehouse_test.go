package warehouse

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

const salesCSV = `date,item_id,total_sales,total_units_ordered
2025-06-01,A1,120.50,3
2025-06-01,B2,80,2
2025-06-02,A1,40.25,1
`

func newTestWarehouse(t *testing.T) *Warehouse {
	t.Helper()
	w, err := Open(filepath.Join(t.TempDir(), "shop.db"), true, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = w.Close() })
	if _, err := w.LoadCSV(context.Background(), "total_sales", strings.NewReader(salesCSV)); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestOpenMissing(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope.db"), false, nil); err == nil {
		t.Error("expected error for missing dataset")
	}
}

func TestLoadAndSchema(t *testing.T) {
	w := newTestWarehouse(t)
	schema, err := w.Schema(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	cols := schema["total_sales"]
	if len(cols) != 4 {
		t.Fatalf("expected 4 columns, got %d", len(cols))
	}
	want := map[string]string{"date": "TEXT", "item_id": "TEXT", "total_sales": "REAL", "total_units_ordered": "INTEGER"}
	for _, c := range cols {
		if want[c.Name] != c.Type {
			t.Errorf("column %s: expected %s, got %s", c.Name, want[c.Name], c.Type)
		}
	}
}

func TestExecute(t *testing.T) {
	w := newTestWarehouse(t)
	rows, err := w.Execute(context.Background(),
		`SELECT item_id, SUM(total_sales) AS revenue FROM total_sales GROUP BY item_id ORDER BY item_id;`)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0]["item_id"] != "A1" {
		t.Errorf("unexpected first row: %v", rows[0])
	}
	if rev, ok := rows[0]["revenue"].(float64); !ok || rev != 160.75 {
		t.Errorf("unexpected revenue: %v", rows[0]["revenue"])
	}
}

func TestExecuteRejectsUnsafe(t *testing.T) {
	w := newTestWarehouse(t)
	_, err := w.Execute(context.Background(), "DELETE FROM total_sales")
	if !errors.Is(err, ErrUnsafeSQL) {
		t.Errorf("expected ErrUnsafeSQL, got %v", err)
	}
}

func TestSampleData(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := context.Background()

	data, err := w.SampleData(ctx, "total_sales", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(data["total_sales"]) != 2 {
		t.Errorf("expected 2 sample rows, got %d", len(data["total_sales"]))
	}

	if _, err := w.SampleData(ctx, "users; DROP TABLE x", 2); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("expected ErrUnknownTable, got %v", err)
	}
	if _, err := w.SampleData(ctx, "", 0); err == nil {
		t.Error("expected limit error")
	}
}

func TestFingerprintChangesWithSchema(t *testing.T) {
	w := newTestWarehouse(t)
	ctx := context.Background()

	fp1, err := w.Fingerprint(ctx)
	if err != nil {
		t.Fatal(err)
	}
	fp2, _ := w.Fingerprint(ctx)
	if fp1 != fp2 {
		t.Error("fingerprint should be stable")
	}

	if _, err := w.LoadCSV(ctx, "eligibility", strings.NewReader("item_id,eligible\nA1,1\n")); err != nil {
		t.Fatal(err)
	}
	fp3, _ := w.Fingerprint(ctx)
	if fp3 == fp1 {
		t.Error("fingerprint should change after a new table is loaded")
	}
}

func TestValidateSQL(t *testing.T) {
	ok := []string{
		"SELECT * FROM sales",
		"select count(*) from sales;",
		"WITH t AS (SELECT 1) SELECT * FROM t",
	}
	for _, q := range ok {
		if err := ValidateSQL(q); err != nil {
			t.Errorf("ValidateSQL(%q) = %v", q, err)
		}
	}

	bad := []string{
		"",
		"UPDATE sales SET x = 1",
		"SELECT * FROM sales; DROP TABLE sales",
		"SELECT * FROM sales -- comment",
		"SELECT a FROM x UNION SELECT b FROM y",
		"SELECT 1; SELECT 2",
		"PRAGMA table_info(sales)",
	}
	for _, q := range bad {
		if err := ValidateSQL(q); !errors.Is(err, ErrUnsafeSQL) {
			t.Errorf("ValidateSQL(%q) should fail, got %v", q, err)
		}
	}
}

func TestDateRange(t *testing.T) {
	w := newTestWarehouse(t)
	got, err := w.DateRange(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "2025-06-01 to 2025-06-02" {
		t.Errorf("unexpected date range %q", got)
	}
}
