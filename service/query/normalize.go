package query

import (
	"strings"

	"github.com/brojonat/chainquery/service/db"
	"golang.org/x/text/cases"
)

// Normalize derives the cache key for a question: surrounding whitespace is
// trimmed and the text case-folded. Inner whitespace and punctuation are kept,
// so only exact textual duplicates share a key.
func Normalize(text string) string {
	return cases.Fold().String(strings.TrimSpace(text))
}

// FindCached returns the first query in history whose normalized text equals
// key, or nil. History is expected newest first, so the latest match wins.
func FindCached(key string, history []*db.Query) *db.Query {
	if i := findCached(key, history); i >= 0 {
		return history[i]
	}
	return nil
}

func findCached(key string, history []*db.Query) int {
	for i, q := range history {
		if q != nil && Normalize(q.Text) == key {
			return i
		}
	}
	return -1
}
