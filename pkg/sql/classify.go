// Package sql provides statement classification, fingerprinting and
// injection screening for the query audit trail.
package sql

import (
	"regexp"
	"strings"

	"github.com/ekaya-inc/dbgate/pkg/models"
)

// ClassifyOperation determines the audit operation kind of a statement
// from its leading keyword. Leading comments are stripped first so a
// commented mutation cannot pass as unclassified, and CTEs are unwrapped
// so "WITH ... INSERT" classifies as INSERT. Anything unrecognized is
// OTHER, which callers must treat as a mutation.
func ClassifyOperation(query string) string {
	trimmed := stripLeadingComments(query)
	if trimmed == "" {
		return models.OpOther
	}

	upper := strings.ToUpper(trimmed)

	// Unwrap a leading CTE to find the top-level statement keyword.
	if keywordAt(upper, 0, "WITH") {
		if idx := findTopLevelKeyword(upper); idx >= 0 {
			upper = upper[idx:]
		}
	}

	switch {
	case keywordAt(upper, 0, "SELECT"):
		return models.OpSelect
	case keywordAt(upper, 0, "INSERT"):
		return models.OpInsert
	case keywordAt(upper, 0, "UPDATE"):
		return models.OpUpdate
	case keywordAt(upper, 0, "DELETE"):
		return models.OpDelete
	default:
		return models.OpOther
	}
}

var setConfigCall = regexp.MustCompile(`(?i)\bset_config\s*\(`)

// IsConfigWrite reports whether stmt can rewrite session configuration:
// a SET or RESET command, or a set_config() call anywhere in the
// statement. The agent binding of a governed connection lives in session
// variables, so these statements must never reach the executor.
func IsConfigWrite(stmt string) bool {
	trimmed := stripLeadingComments(stmt)
	upper := strings.ToUpper(trimmed)
	if keywordAt(upper, 0, "SET") || keywordAt(upper, 0, "RESET") {
		return true
	}
	return setConfigCall.MatchString(stmt)
}

// stripLeadingComments removes any run of whitespace, line comments and
// block comments from the front of a statement. Block comments nest, as
// in Postgres. An unterminated comment strips to nothing, which
// classifies as OTHER.
func stripLeadingComments(query string) string {
	s := strings.TrimSpace(query)
	for {
		switch {
		case strings.HasPrefix(s, "--"):
			idx := strings.IndexByte(s, '\n')
			if idx < 0 {
				return ""
			}
			s = strings.TrimSpace(s[idx+1:])
		case strings.HasPrefix(s, "/*"):
			depth := 1
			i := 2
			for i < len(s) && depth > 0 {
				switch {
				case i+1 < len(s) && s[i] == '/' && s[i+1] == '*':
					depth++
					i += 2
				case i+1 < len(s) && s[i] == '*' && s[i+1] == '/':
					depth--
					i += 2
				default:
					i++
				}
			}
			if depth > 0 {
				return ""
			}
			s = strings.TrimSpace(s[i:])
		default:
			return s
		}
	}
}

// keywordAt reports whether the keyword starts at index i as a whole
// word: preceded by a statement boundary and not running into a longer
// identifier (so "SELECTION" never matches SELECT).
func keywordAt(upper string, i int, kw string) bool {
	if !strings.HasPrefix(upper[i:], kw) {
		return false
	}
	if i > 0 && !isBoundary(upper[i-1]) {
		return false
	}
	end := i + len(kw)
	return end == len(upper) || !isIdentChar(upper[end])
}

func isBoundary(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t' || c == '\r' || c == ')' || c == ','
}

func isIdentChar(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// findTopLevelKeyword scans past a WITH clause, tracking parenthesis
// depth, and returns the index of the first statement keyword at depth
// zero. Returns -1 if none is found.
func findTopLevelKeyword(upper string) int {
	depth := 0
	for i := 0; i < len(upper); i++ {
		switch upper[i] {
		case '(':
			depth++
		case ')':
			depth--
		default:
			if depth != 0 {
				continue
			}
			for _, kw := range []string{"SELECT", "INSERT", "UPDATE", "DELETE"} {
				if i > 0 && keywordAt(upper, i, kw) {
					return i
				}
			}
		}
	}
	return -1
}
