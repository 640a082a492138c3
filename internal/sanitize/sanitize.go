// Package sanitize masks sensitive values in result rows before they are
// returned to the caller. Masking applies per field and recurses into
// JSONB/array values.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is the sanitizer's own rule type. Pattern matches field values;
// Replacement substitutes matched portions.
type Rule struct {
	Pattern     string
	Replacement string
}

type compiledRule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Sanitizer applies regex-based value masking and column-name masking to
// result rows.
type Sanitizer struct {
	rules       []compiledRule
	maskColumns map[string]struct{}
}

// NewSanitizer creates a new Sanitizer. maskColumns lists column names whose
// values are replaced wholesale with a redaction marker. Returns an error on
// invalid regex patterns.
func NewSanitizer(rules []Rule, maskColumns []string) (*Sanitizer, error) {
	compiled := make([]compiledRule, len(rules))
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("sanitize: invalid regex pattern %q: %v", r.Pattern, err)
		}
		compiled[i] = compiledRule{pattern: re, replacement: r.Replacement}
	}
	cols := make(map[string]struct{}, len(maskColumns))
	for _, c := range maskColumns {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			cols[c] = struct{}{}
		}
	}
	return &Sanitizer{rules: compiled, maskColumns: cols}, nil
}

const redacted = "[redacted]"

// HasRules returns true if any masking is configured.
func (s *Sanitizer) HasRules() bool {
	return len(s.rules) > 0 || len(s.maskColumns) > 0
}

// SanitizeRows masks each field value in place and returns the rows.
func (s *Sanitizer) SanitizeRows(rows []map[string]interface{}) []map[string]interface{} {
	if !s.HasRules() {
		return rows
	}
	for _, row := range rows {
		for k, v := range row {
			if _, ok := s.maskColumns[strings.ToLower(k)]; ok {
				if v != nil {
					row[k] = redacted
				}
				continue
			}
			row[k] = s.sanitizeValue(v)
		}
	}
	return rows
}

func (s *Sanitizer) sanitizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		result := val
		for _, rule := range s.rules {
			result = rule.pattern.ReplaceAllString(result, rule.replacement)
		}
		return result
	case map[string]interface{}:
		for k, inner := range val {
			if _, ok := s.maskColumns[strings.ToLower(k)]; ok {
				if inner != nil {
					val[k] = redacted
				}
				continue
			}
			val[k] = s.sanitizeValue(inner)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = s.sanitizeValue(item)
		}
		return val
	default:
		// Numeric, bool, nil: nothing to mask.
		return v
	}
}
