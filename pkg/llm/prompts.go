package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopquery/shopquery/pkg/models"
)

const sqlSystemPrompt = `You translate questions about an e-commerce SQLite database into a single SQLite SELECT statement.
Use the table and column names exactly as given. Use DATE() with YYYY-MM-DD for date comparisons and
compute relative ranges such as "last 7 days" from the latest date in the data, not today.
Return only the SQL, without explanation.`

const answerSystemPrompt = `You are an e-commerce analytics assistant. Answer the user's question from the query result
in two to four sentences. Include the key figures and mention notable patterns.`

// GenerateSQL asks the model for a SELECT statement answering question.
func (c *Client) GenerateSQL(ctx context.Context, question string, schema models.Schema, dateRange string) (string, error) {
	var b strings.Builder
	b.WriteString("Schema:\n")
	b.WriteString(describeSchema(schema))
	if dateRange != "" {
		fmt.Fprintf(&b, "\nDataset dates: %s\n", dateRange)
	}
	fmt.Fprintf(&b, "\nQuestion: %q", question)

	out, err := c.Complete(ctx, []models.ChatMessage{
		{Role: "system", Content: sqlSystemPrompt},
		{Role: "user", Content: b.String()},
	})
	if err != nil {
		return "", fmt.Errorf("generate sql: %w", err)
	}
	sql := stripCodeFence(out)
	if !strings.HasPrefix(strings.ToUpper(sql), "SELECT") && !strings.HasPrefix(strings.ToUpper(sql), "WITH") {
		return "", fmt.Errorf("generate sql: model did not return a SELECT statement")
	}
	return sql, nil
}

// Summarize asks the model to answer question from rows.
func (c *Client) Summarize(ctx context.Context, question, sql string, rows []map[string]any) (string, error) {
	if len(rows) == 0 {
		return "No data found for your query.", nil
	}
	prompt := fmt.Sprintf("Question: %q\nSQL: %s\nResult: %s", question, sql, SummarizeRows(rows))
	out, err := c.Complete(ctx, []models.ChatMessage{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return out, nil
}

// SummarizeRows renders a compact description of rows for prompting.
func SummarizeRows(rows []map[string]any) string {
	sample := rows
	if len(rows) > 5 {
		sample = rows[:3]
	}
	data, _ := json.Marshal(sample)
	if len(rows) > 5 {
		return fmt.Sprintf("%d records. Sample: %s ... (and %d more)", len(rows), data, len(rows)-3)
	}
	return fmt.Sprintf("%d records: %s", len(rows), data)
}

func describeSchema(schema models.Schema) string {
	tables := make([]string, 0, len(schema))
	for t := range schema {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var b strings.Builder
	for _, t := range tables {
		names := make([]string, len(schema[t]))
		for i, c := range schema[t] {
			names[i] = c.Name + " " + c.Type
		}
		fmt.Fprintf(&b, "Table %s: %s\n", t, strings.Join(names, ", "))
	}
	return b.String()
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "sql")
	s = strings.TrimPrefix(s, "SQL")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
