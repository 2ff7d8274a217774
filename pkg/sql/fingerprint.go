package sql

import (
	"regexp"
	"strings"

	"github.com/ekaya-inc/dbgate/pkg/logging"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)

	// String and numeric literals are replaced before truncation so bound
	// values, including secrets, never reach the audit trail.
	stringLiteral  = regexp.MustCompile(`'(?:[^']|'')*'`)
	numericLiteral = regexp.MustCompile(`\b\d+(\.\d+)?\b`)
)

// Fingerprint produces the normalized, truncated form of a statement
// stored in the query audit trail: literals stripped, whitespace
// collapsed, sensitive patterns redacted, length capped.
func Fingerprint(query string) string {
	if query == "" {
		return ""
	}

	fp := stringLiteral.ReplaceAllString(query, "?")
	fp = numericLiteral.ReplaceAllString(fp, "?")
	fp = whitespaceRun.ReplaceAllString(fp, " ")
	fp = strings.TrimSpace(fp)

	return logging.SanitizeQuery(fp)
}
