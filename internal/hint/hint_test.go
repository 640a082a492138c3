package hint

import (
	"testing"
)

func TestNewMatcher_InvalidPattern(t *testing.T) {
	t.Parallel()
	if _, err := NewMatcher([]Rule{{Pattern: "(bad"}}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestMatch_NoRules(t *testing.T) {
	t.Parallel()
	m, err := NewMatcher(nil)
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	if got := m.Match("anything"); got != "" {
		t.Fatalf("expected empty match, got %q", got)
	}
	if got := m.MatchedPatterns("anything"); got != nil {
		t.Fatalf("expected nil patterns, got %v", got)
	}
}

func TestMatch_SingleRule(t *testing.T) {
	t.Parallel()
	m, err := NewMatcher([]Rule{
		{Pattern: `relation ".*" does not exist`, Message: "Use list_tables to see available tables."},
	})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	got := m.Match(`ERROR: relation "usrs" does not exist (SQLSTATE 42P01)`)
	if got != "Use list_tables to see available tables." {
		t.Fatalf("Match = %q", got)
	}
	if got := m.Match("connection refused"); got != "" {
		t.Fatalf("expected no match, got %q", got)
	}
}

func TestMatch_MultipleRulesJoined(t *testing.T) {
	t.Parallel()
	m, err := NewMatcher([]Rule{
		{Pattern: "timeout", Message: "Narrow the query or add a LIMIT."},
		{Pattern: "(?i)statement", Message: "Check the statement syntax."},
	})
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	got := m.Match("statement timeout exceeded")
	want := "Narrow the query or add a LIMIT.\nCheck the statement syntax."
	if got != want {
		t.Fatalf("Match = %q, want %q", got, want)
	}
	patterns := m.MatchedPatterns("statement timeout exceeded")
	if len(patterns) != 2 {
		t.Fatalf("MatchedPatterns = %v", patterns)
	}
}
