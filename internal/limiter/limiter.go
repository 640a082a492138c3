// Package limiter enforces the cheap pre-parse limits on raw SQL: maximum
// byte length and maximum statement count. It runs before any parsing so
// oversized input never reaches the parser.
package limiter

import "fmt"

// Config is the limiter's own config type.
type Config struct {
	MaxSQLLength      int
	MaxStatementCount int
}

// Checker validates raw SQL against the configured limits.
type Checker struct {
	config Config
}

// LimitError reports which limit the statement exceeded.
type LimitError struct {
	Reason string
}

func (e *LimitError) Error() string {
	return e.Reason
}

// NewChecker creates a new Checker with the given config.
func NewChecker(config Config) *Checker {
	return &Checker{config: config}
}

// Check returns nil if the raw SQL is within limits. The length check runs
// first; a statement that fails it is never split or parsed.
func (c *Checker) Check(sql string) error {
	if c.config.MaxSQLLength > 0 && len(sql) > c.config.MaxSQLLength {
		return &LimitError{
			Reason: fmt.Sprintf("SQL too long: %d bytes exceeds maximum of %d bytes", len(sql), c.config.MaxSQLLength),
		}
	}
	if c.config.MaxStatementCount > 0 {
		count := CountStatements(sql)
		if count > c.config.MaxStatementCount {
			return &LimitError{
				Reason: fmt.Sprintf("too many statements: %d exceeds maximum of %d", count, c.config.MaxStatementCount),
			}
		}
	}
	return nil
}

// CountStatements counts statements separated by semicolons, skipping
// separators inside quoted strings, dollar-quoted strings, and comments.
// Empty segments (trailing semicolons, bare whitespace) do not count.
func CountStatements(sql string) int {
	count := 0
	segment := false // current segment has non-whitespace content

	i := 0
	n := len(sql)
	for i < n {
		ch := sql[i]
		switch {
		case ch == '\'' || ch == '"':
			segment = true
			i = skipQuoted(sql, i, ch)
		case ch == '$':
			if end, ok := skipDollarQuoted(sql, i); ok {
				segment = true
				i = end
			} else {
				segment = true
				i++
			}
		case ch == '-' && i+1 < n && sql[i+1] == '-':
			for i < n && sql[i] != '\n' {
				i++
			}
		case ch == '/' && i+1 < n && sql[i+1] == '*':
			i += 2
			for i+1 < n && !(sql[i] == '*' && sql[i+1] == '/') {
				i++
			}
			if i+1 < n {
				i += 2
			} else {
				i = n
			}
		case ch == ';':
			if segment {
				count++
				segment = false
			}
			i++
		default:
			if ch != ' ' && ch != '\t' && ch != '\n' && ch != '\r' {
				segment = true
			}
			i++
		}
	}
	if segment {
		count++
	}
	return count
}

// skipQuoted advances past a quoted literal starting at i. Doubled quotes
// inside the literal ('' or "") are treated as escapes.
func skipQuoted(sql string, i int, quote byte) int {
	i++
	n := len(sql)
	for i < n {
		if sql[i] == quote {
			if i+1 < n && sql[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return n
}

// skipDollarQuoted advances past a dollar-quoted string ($$...$$ or
// $tag$...$tag$). Returns ok=false if i does not start a dollar quote.
func skipDollarQuoted(sql string, i int) (int, bool) {
	n := len(sql)
	j := i + 1
	for j < n && isTagChar(sql[j]) {
		j++
	}
	if j >= n || sql[j] != '$' {
		return 0, false
	}
	tag := sql[i : j+1]
	for k := j + 1; k+len(tag) <= n; k++ {
		if sql[k:k+len(tag)] == tag {
			return k + len(tag), true
		}
	}
	return n, true
}

func isTagChar(ch byte) bool {
	return ch == '_' ||
		(ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9')
}
