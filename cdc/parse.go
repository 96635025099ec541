package cdc

import (
	"regexp"
	"strings"
	"unicode"
)

// ParseSQL classifies a statement, returning its write operation and target
// table. Non-write statements return an empty operation.
func ParseSQL(query string) (Operation, string) {
	op := ParseOperation(query)
	if op == "" {
		return "", ""
	}

	return op, extractTableName(query, op)
}

// ParseOperation returns the write operation of a statement, or an empty
// operation for reads and DDL.
func ParseOperation(query string) Operation {
	head := strings.ToUpper(strings.TrimSpace(stripLeadingComments(query)))

	switch {
	case strings.HasPrefix(head, "INSERT"):
		return OperationInsert
	case strings.HasPrefix(head, "UPDATE"):
		return OperationUpdate
	case strings.HasPrefix(head, "DELETE"):
		return OperationDelete
	}

	return ""
}

// IsWriteOperation reports whether the statement is an INSERT, UPDATE or DELETE.
func IsWriteOperation(query string) bool {
	return ParseOperation(query) != ""
}

func stripLeadingComments(query string) string {
	s := query
	for {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		switch {
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s, "*/"); i >= 0 {
				s = s[i+2:]
				continue
			}
			return ""
		}
		return s
	}
}

// extractTableName walks the statement token by token; when that fails it
// falls back to a permissive regex, trading strictness for recall. A false
// positive only costs an extra before-image lookup downstream.
func extractTableName(query string, op Operation) string {
	q := strings.TrimSpace(stripLeadingComments(query))
	upper := strings.ToUpper(q)

	var rest string
	switch op {
	case OperationInsert:
		idx := indexOfKeyword(upper, "INTO")
		if idx < 0 {
			return extractTableRegex(query, op)
		}
		rest = q[idx:]
	case OperationUpdate:
		rest = q[len("UPDATE"):]
		rest = skipConflictClause(rest)
	case OperationDelete:
		idx := indexOfKeyword(upper, "FROM")
		if idx < 0 {
			return extractTableRegex(query, op)
		}
		rest = q[idx:]
	}

	if name := readIdentifier(rest); name != "" {
		return name
	}

	return extractTableRegex(query, op)
}

// skipConflictClause drops the OR ROLLBACK / OR IGNORE style clause allowed
// between UPDATE and the table name.
func skipConflictClause(s string) string {
	trimmed := strings.TrimLeftFunc(s, unicode.IsSpace)
	if len(trimmed) > 2 && strings.EqualFold(trimmed[:2], "OR") && unicode.IsSpace(rune(trimmed[2])) {
		trimmed = strings.TrimLeftFunc(trimmed[2:], unicode.IsSpace)
		if i := strings.IndexFunc(trimmed, unicode.IsSpace); i >= 0 {
			return trimmed[i:]
		}
		return ""
	}

	return s
}

// indexOfKeyword finds a standalone keyword and returns the offset just past
// it, or -1.
func indexOfKeyword(upper, keyword string) int {
	from := 0
	for {
		i := strings.Index(upper[from:], keyword)
		if i < 0 {
			return -1
		}
		i += from

		boundedLeft := i == 0 || isTokenBoundary(upper[i-1])
		end := i + len(keyword)
		boundedRight := end >= len(upper) || isTokenBoundary(upper[end])
		if boundedLeft && boundedRight {
			return end
		}

		from = end
	}
}

func isTokenBoundary(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '(' || c == ')'
}

// readIdentifier reads the leading identifier of s, honoring backtick, double
// and single quoting so table names with arbitrary characters survive. A
// schema qualifier is dropped.
func readIdentifier(s string) string {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	if s == "" {
		return ""
	}

	switch s[0] {
	case '`', '"', '\'':
		if end := strings.IndexByte(s[1:], s[0]); end >= 0 {
			return s[1 : end+1]
		}
		return ""
	}

	end := len(s)
	for i, r := range s {
		if unicode.IsSpace(r) || r == '(' || r == ';' || r == ',' {
			end = i
			break
		}
	}

	name := s[:end]
	if dot := strings.LastIndexByte(name, '.'); dot >= 0 {
		name = name[dot+1:]
	}

	return name
}

var (
	rBlockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	rInsertTable  = regexp.MustCompile("(?i)INSERT\\s+(?:OR\\s+\\w+\\s+)?INTO\\s+[`\"']?(\\w+)")
	rUpdateTable  = regexp.MustCompile("(?i)UPDATE\\s+(?:OR\\s+\\w+\\s+)?[`\"']?(\\w+)")
	rDeleteTable  = regexp.MustCompile("(?i)DELETE\\s+(?:FROM\\s+)?[`\"']?(\\w+)")
)

func extractTableRegex(query string, op Operation) string {
	clean := rBlockComment.ReplaceAllString(query, "")

	var m []string
	switch op {
	case OperationInsert:
		m = rInsertTable.FindStringSubmatch(clean)
	case OperationUpdate:
		m = rUpdateTable.FindStringSubmatch(clean)
	case OperationDelete:
		m = rDeleteTable.FindStringSubmatch(clean)
	}

	if len(m) < 2 {
		return ""
	}

	return m[1]
}

// ExtractWhereClause lifts the WHERE condition out of a statement, truncated
// before any trailing ORDER BY, GROUP BY, LIMIT or OFFSET clause. Empty when
// the statement has no WHERE.
func ExtractWhereClause(query string) string {
	upper := strings.ToUpper(query)
	idx := strings.Index(upper, "WHERE")
	if idx < 0 {
		return ""
	}

	wherePart := query[idx+len("WHERE"):]
	upperPart := upper[idx+len("WHERE"):]

	cut := len(wherePart)
	for _, keyword := range []string{" ORDER BY", " GROUP BY", " LIMIT", " OFFSET"} {
		if i := strings.Index(upperPart, keyword); i >= 0 && i < cut {
			cut = i
		}
	}

	return strings.TrimSpace(wherePart[:cut])
}
