// Package risk maps classified statements onto an ordered risk scale and
// checks them against a session's risk ceiling. Stateless; safe for
// concurrent use.
package risk

import (
	"fmt"
	"strings"

	"github.com/pgsentinel/pgsentinel/internal/sqlparse"
)

// Level is an ordered risk classification. Higher values are riskier.
type Level int

const (
	Low Level = iota + 1
	Medium
	High
	Critical
)

var levelNames = map[Level]string{
	Low:      "LOW",
	Medium:   "MEDIUM",
	High:     "HIGH",
	Critical: "CRITICAL",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel converts a level name to a Level. Unknown names are an error;
// risk parsing fails closed.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return Low, nil
	case "MEDIUM":
		return Medium, nil
	case "HIGH":
		return High, nil
	case "CRITICAL":
		return Critical, nil
	default:
		return 0, fmt.Errorf("unknown risk level %q", s)
	}
}

// Config is the analyzer's own config type.
type Config struct {
	// BlockedPatterns are uppercase substrings that immediately escalate a
	// statement to Critical (e.g. "DROP TABLE").
	BlockedPatterns []string
	// AllowSensitiveInfo disables the sensitive-identifier escalation.
	AllowSensitiveInfo bool
}

// Analyzer computes the risk level of a parsed statement.
type Analyzer struct {
	config Config
}

// NewAnalyzer creates a new Analyzer with the given config.
func NewAnalyzer(config Config) *Analyzer {
	return &Analyzer{config: config}
}

var sensitiveKeywords = []string{"password", "passwd", "secret", "token", "credit", "card", "ssn"}

// Screen checks the unconditional denials: blocked patterns and sensitive
// identifiers. A non-empty reason denies the statement regardless of the
// session's risk ceiling.
func (a *Analyzer) Screen(d *sqlparse.Descriptor, raw string) string {
	if pattern := a.matchBlockedPattern(raw); pattern != "" {
		return fmt.Sprintf("statement matches blocked pattern %q", pattern)
	}
	if !a.config.AllowSensitiveInfo {
		if kw := matchSensitive(d, raw); kw != "" {
			return fmt.Sprintf("statement references sensitive identifier %q", kw)
		}
	}
	return ""
}

// Analyze rates the descriptor on structural grounds. Multi-statement input
// is rated at its riskiest statement.
func (a *Analyzer) Analyze(d *sqlparse.Descriptor) (Level, string) {
	level := Low
	reason := ""
	for _, s := range d.Statements {
		l, r := StatementLevel(s)
		if l > level {
			level = l
			reason = r
		}
	}
	return level, reason
}

// StatementLevel rates a single statement on structural grounds.
func StatementLevel(s sqlparse.Statement) (Level, string) {
	switch s.Kind {
	case sqlparse.KindDrop, sqlparse.KindTruncate:
		return Critical, fmt.Sprintf("%s is irreversible", s.Kind)
	case sqlparse.KindAlter:
		return High, "ALTER changes schema in place"
	case sqlparse.KindCreate:
		return Medium, ""
	case sqlparse.KindDelete:
		if !s.HasWhere {
			return Critical, "DELETE without WHERE affects every row"
		}
		return Medium, ""
	case sqlparse.KindUpdate:
		if !s.HasWhere {
			return High, "UPDATE without WHERE affects every row"
		}
		return Medium, ""
	case sqlparse.KindInsert:
		return Medium, ""
	case sqlparse.KindSelect:
		return Low, ""
	case sqlparse.KindShow, sqlparse.KindDescribe, sqlparse.KindExplain:
		return Low, ""
	default:
		return Medium, ""
	}
}

func (a *Analyzer) matchBlockedPattern(raw string) string {
	if len(a.config.BlockedPatterns) == 0 {
		return ""
	}
	upper := strings.ToUpper(raw)
	for _, p := range a.config.BlockedPatterns {
		if p != "" && strings.Contains(upper, p) {
			return p
		}
	}
	return ""
}

func matchSensitive(d *sqlparse.Descriptor, raw string) string {
	lower := strings.ToLower(raw)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	for _, t := range d.Tables() {
		name := strings.ToLower(t.Name)
		for _, kw := range sensitiveKeywords {
			if strings.Contains(name, kw) {
				return kw
			}
		}
	}
	return ""
}
