package warehouse

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsafeSQL is wrapped by every ValidateSQL rejection.
var ErrUnsafeSQL = errors.New("unsafe sql")

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bDROP\b`),
	regexp.MustCompile(`\bDELETE\b`),
	regexp.MustCompile(`\bINSERT\b`),
	regexp.MustCompile(`\bUPDATE\b`),
	regexp.MustCompile(`\bALTER\b`),
	regexp.MustCompile(`\bCREATE\b`),
	regexp.MustCompile(`\bTRUNCATE\b`),
	regexp.MustCompile(`\bEXEC\b`),
	regexp.MustCompile(`\bEXECUTE\b`),
	regexp.MustCompile(`\bATTACH\b`),
	regexp.MustCompile(`\bPRAGMA\b`),
	regexp.MustCompile(`--`),
	regexp.MustCompile(`;.*SELECT`),
	regexp.MustCompile(`UNION.*SELECT`),
}

// ValidateSQL accepts a single read-only SELECT statement.
func ValidateSQL(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("%w: query is empty", ErrUnsafeSQL)
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("%w: only SELECT queries are allowed", ErrUnsafeSQL)
	}
	for _, re := range dangerousPatterns {
		if re.MatchString(upper) {
			return fmt.Errorf("%w: contains forbidden pattern %s", ErrUnsafeSQL, re.String())
		}
	}
	if n := strings.Count(trimmed, ";"); n > 1 || (n == 1 && !strings.HasSuffix(trimmed, ";")) {
		return fmt.Errorf("%w: multiple statements are not allowed", ErrUnsafeSQL)
	}
	return nil
}

// quoteIdent quotes a SQLite identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
