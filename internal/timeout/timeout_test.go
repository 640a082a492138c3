package timeout

import (
	"testing"
	"time"
)

func TestNewManager_InvalidPattern(t *testing.T) {
	t.Parallel()
	_, err := NewManager(Config{Rules: []Rule{{Pattern: "(unclosed", Timeout: time.Second}}})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestGetTimeout_Default(t *testing.T) {
	t.Parallel()
	m, err := NewManager(Config{DefaultTimeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if got := m.GetTimeout("SELECT 1"); got != 30*time.Second {
		t.Fatalf("GetTimeout = %s, want 30s", got)
	}
}

func TestGetTimeout_FirstMatchWins(t *testing.T) {
	t.Parallel()
	m, err := NewManager(Config{
		DefaultTimeout: 30 * time.Second,
		Rules: []Rule{
			{Pattern: `(?i)^\s*SELECT.*pg_sleep`, Timeout: 5 * time.Minute},
			{Pattern: `(?i)^\s*SELECT`, Timeout: 10 * time.Second},
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	d, pattern := m.GetTimeoutWithPattern("SELECT pg_sleep(60)")
	if d != 5*time.Minute {
		t.Fatalf("timeout = %s, want 5m", d)
	}
	if pattern == "" {
		t.Fatal("expected a matched pattern")
	}

	if got := m.GetTimeout("SELECT * FROM users"); got != 10*time.Second {
		t.Fatalf("timeout = %s, want 10s", got)
	}

	d, pattern = m.GetTimeoutWithPattern("UPDATE users SET x = 1 WHERE id = 1")
	if d != 30*time.Second || pattern != "" {
		t.Fatalf("expected default for non-matching SQL, got %s / %q", d, pattern)
	}
}
