package sanitize

import (
	"testing"
)

func mustSanitizer(t *testing.T, rules []Rule, maskColumns []string) *Sanitizer {
	t.Helper()
	s, err := NewSanitizer(rules, maskColumns)
	if err != nil {
		t.Fatalf("NewSanitizer: %v", err)
	}
	return s
}

func TestNewSanitizer_InvalidPattern(t *testing.T) {
	t.Parallel()
	if _, err := NewSanitizer([]Rule{{Pattern: "[unclosed"}}, nil); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestSanitizeRows_NoRulesPassthrough(t *testing.T) {
	t.Parallel()
	s := mustSanitizer(t, nil, nil)
	if s.HasRules() {
		t.Fatal("expected no rules")
	}
	rows := []map[string]interface{}{{"email": "a@example.com"}}
	out := s.SanitizeRows(rows)
	if out[0]["email"] != "a@example.com" {
		t.Fatalf("expected passthrough, got %v", out[0]["email"])
	}
}

func TestSanitizeRows_RegexReplacement(t *testing.T) {
	t.Parallel()
	s := mustSanitizer(t, []Rule{
		{Pattern: `[\w.]+@[\w.]+`, Replacement: "***@***"},
	}, nil)
	rows := []map[string]interface{}{
		{"email": "alice@example.com", "note": "mail bob@example.com today", "count": 3},
	}
	out := s.SanitizeRows(rows)
	if out[0]["email"] != "***@***" {
		t.Fatalf("email = %v", out[0]["email"])
	}
	if out[0]["note"] != "mail ***@*** today" {
		t.Fatalf("note = %v", out[0]["note"])
	}
	if out[0]["count"] != 3 {
		t.Fatalf("count = %v", out[0]["count"])
	}
}

func TestSanitizeRows_MaskColumns(t *testing.T) {
	t.Parallel()
	s := mustSanitizer(t, nil, []string{"Password", " ssn "})
	rows := []map[string]interface{}{
		{"password": "hunter2", "ssn": "123-45-6789", "name": "alice"},
	}
	out := s.SanitizeRows(rows)
	if out[0]["password"] != "[redacted]" {
		t.Fatalf("password = %v", out[0]["password"])
	}
	if out[0]["ssn"] != "[redacted]" {
		t.Fatalf("ssn = %v", out[0]["ssn"])
	}
	if out[0]["name"] != "alice" {
		t.Fatalf("name = %v", out[0]["name"])
	}
}

func TestSanitizeRows_MaskedNullStaysNull(t *testing.T) {
	t.Parallel()
	s := mustSanitizer(t, nil, []string{"password"})
	rows := []map[string]interface{}{{"password": nil}}
	out := s.SanitizeRows(rows)
	if out[0]["password"] != nil {
		t.Fatalf("expected nil to stay nil, got %v", out[0]["password"])
	}
}

func TestSanitizeRows_RecursesIntoJSONB(t *testing.T) {
	t.Parallel()
	s := mustSanitizer(t, []Rule{
		{Pattern: `\d{3}-\d{2}-\d{4}`, Replacement: "XXX-XX-XXXX"},
	}, []string{"token"})
	rows := []map[string]interface{}{
		{
			"payload": map[string]interface{}{
				"ssn":   "123-45-6789",
				"token": "abc123",
				"tags":  []interface{}{"123-45-6789", 7},
			},
		},
	}
	out := s.SanitizeRows(rows)
	payload := out[0]["payload"].(map[string]interface{})
	if payload["ssn"] != "XXX-XX-XXXX" {
		t.Fatalf("nested ssn = %v", payload["ssn"])
	}
	if payload["token"] != "[redacted]" {
		t.Fatalf("nested token = %v", payload["token"])
	}
	tags := payload["tags"].([]interface{})
	if tags[0] != "XXX-XX-XXXX" || tags[1] != 7 {
		t.Fatalf("tags = %v", tags)
	}
}
