package cache

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/shopquery/shopquery/pkg/models"
)

// keyFormatVersion is mixed into every key. Bump it when the cached payload
// shape changes so stale entries can never be served.
const keyFormatVersion = "qc1"

// NormalizeQuestion lowercases q, trims it and collapses internal whitespace.
func NormalizeQuestion(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// Key derives the cache key for a question asked against a schema fingerprint.
func Key(question, fingerprint string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d:%s\x00", keyFormatVersion, len(fingerprint), fingerprint)
	h.Write([]byte(NormalizeQuestion(question)))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// SchemaFingerprint hashes table names and their ordered columns. Tables are
// visited in sorted order so map iteration does not affect the result.
func SchemaFingerprint(schema models.Schema) string {
	tables := make([]string, 0, len(schema))
	for name := range schema {
		tables = append(tables, name)
	}
	sort.Strings(tables)

	h := sha256.New()
	for _, name := range tables {
		fmt.Fprintf(h, "table %s\n", name)
		for _, col := range schema[name] {
			fmt.Fprintf(h, "\t%s %s\n", col.Name, strings.ToUpper(col.Type))
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
