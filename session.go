package pgsentinel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pgsentinel/pgsentinel/internal/risk"
	"github.com/pgsentinel/pgsentinel/internal/scope"
)

// Role is a session's granted role. It derives the default risk ceiling.
type Role string

const (
	RoleReadOnly Role = "readonly"
	RoleWriter   Role = "writer"
	RoleAdmin    Role = "admin"
)

// ParseRole converts a config string to a Role. Unknown roles are an error;
// role parsing fails closed.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleReadOnly:
		return RoleReadOnly, nil
	case RoleWriter:
		return RoleWriter, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// RiskLevel re-exports the pipeline's ordered risk scale.
type RiskLevel = risk.Level

const (
	RiskLow      = risk.Low
	RiskMedium   = risk.Medium
	RiskHigh     = risk.High
	RiskCritical = risk.Critical
)

// AccessLevel re-exports the scope checker's access levels.
type AccessLevel = scope.AccessLevel

const (
	AccessPermissive = scope.Permissive
	AccessRestricted = scope.Restricted
	AccessStrict     = scope.Strict
)

// TimeoutRule maps a SQL regex pattern to a per-statement timeout.
type TimeoutRule struct {
	Pattern string
	Timeout time.Duration
}

// SanitizationRule is a regex value-masking rule applied to result rows.
type SanitizationRule struct {
	Pattern     string
	Replacement string
}

// HintRule maps an error-message pattern to guidance appended for the agent.
type HintRule struct {
	Pattern string
	Message string
}

// SessionConfig is one session's immutable configuration snapshot. Updates
// produce a new validated snapshot; fields are never mutated in place.
type SessionConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	Role Role
	// AllowedRiskCeiling overrides the role-derived ceiling when non-zero.
	AllowedRiskCeiling risk.Level
	AccessLevel        scope.AccessLevel
	AllowedDatabases   []string
	BlockedPatterns    []string
	AllowSensitiveInfo bool

	MaxSQLLength      int
	MaxStatementCount int
	MaxResultLength   int

	MinConns       int
	MaxConns       int
	ConnectTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	QueryTimeout   time.Duration

	TimeoutRules      []TimeoutRule
	SanitizationRules []SanitizationRule
	MaskedColumns     []string
	HintRules         []HintRule
}

func defaultSessionConfig() SessionConfig {
	return SessionConfig{
		Host:              "localhost",
		Port:              5432,
		Role:              RoleReadOnly,
		AccessLevel:       scope.Restricted,
		MaxSQLLength:      10000,
		MaxStatementCount: 1,
		MaxResultLength:   100000,
		MinConns:          1,
		MaxConns:          10,
		ConnectTimeout:    5 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      500 * time.Millisecond,
		QueryTimeout:      30 * time.Second,
	}
}

// NewSessionConfig builds a validated snapshot from a string mapping, the
// shape an environment-file loader produces. Every construction and update
// path funnels through here; there is exactly one definition of a valid
// configuration.
func NewSessionConfig(values map[string]string) (*SessionConfig, error) {
	cfg := defaultSessionConfig()
	for key, value := range values {
		if err := applyValue(&cfg, key, value); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// with returns a new snapshot with the partial mapping applied over this
// one. The receiver is never modified.
func (c *SessionConfig) with(partial map[string]string) (*SessionConfig, error) {
	cfg := *c
	cfg.AllowedDatabases = slices.Clone(c.AllowedDatabases)
	cfg.BlockedPatterns = slices.Clone(c.BlockedPatterns)
	cfg.TimeoutRules = slices.Clone(c.TimeoutRules)
	cfg.SanitizationRules = slices.Clone(c.SanitizationRules)
	cfg.MaskedColumns = slices.Clone(c.MaskedColumns)
	cfg.HintRules = slices.Clone(c.HintRules)
	for key, value := range partial {
		if err := applyValue(&cfg, key, value); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyValue parses one loosely-typed configuration value into its typed
// field. Unparsable values are an error, never a silent default.
func applyValue(cfg *SessionConfig, key, value string) error {
	var err error
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case "HOST":
		cfg.Host = strings.TrimSpace(value)
	case "PORT":
		cfg.Port, err = parseInt(key, value)
	case "USER":
		cfg.User = strings.TrimSpace(value)
	case "PASSWORD":
		cfg.Password = value
	case "DATABASE":
		cfg.Database = strings.TrimSpace(value)
	case "ROLE":
		cfg.Role, err = ParseRole(value)
	case "ALLOWED_RISK_CEILING":
		cfg.AllowedRiskCeiling, err = risk.ParseLevel(value)
	case "ACCESS_LEVEL":
		cfg.AccessLevel, err = scope.ParseAccessLevel(value)
	case "ALLOWED_DATABASES":
		cfg.AllowedDatabases = splitList(value)
	case "BLOCKED_PATTERNS":
		cfg.BlockedPatterns = upperList(splitList(value))
	case "ALLOW_SENSITIVE_INFO":
		cfg.AllowSensitiveInfo, err = parseBool(key, value)
	case "MAX_SQL_LENGTH":
		cfg.MaxSQLLength, err = parseInt(key, value)
	case "MAX_STATEMENT_COUNT":
		cfg.MaxStatementCount, err = parseInt(key, value)
	case "MAX_RESULT_LENGTH":
		cfg.MaxResultLength, err = parseInt(key, value)
	case "POOL_MIN_CONNS":
		cfg.MinConns, err = parseInt(key, value)
	case "POOL_MAX_CONNS":
		cfg.MaxConns, err = parseInt(key, value)
	case "CONNECT_TIMEOUT":
		cfg.ConnectTimeout, err = parseDuration(key, value)
	case "MAX_RETRIES":
		cfg.MaxRetries, err = parseInt(key, value)
	case "RETRY_BACKOFF":
		cfg.RetryBackoff, err = parseDuration(key, value)
	case "QUERY_TIMEOUT":
		cfg.QueryTimeout, err = parseDuration(key, value)
	case "MASKED_COLUMNS":
		cfg.MaskedColumns = splitList(value)
	case "TIMEOUT_RULES":
		cfg.TimeoutRules, err = parseTimeoutRules(value)
	case "SANITIZATION_RULES":
		cfg.SanitizationRules, err = parseSanitizationRules(value)
	case "HINT_RULES":
		cfg.HintRules, err = parseHintRules(value)
	default:
		return &ConfigValidationError{Field: key, Reason: "unknown configuration key"}
	}
	if err != nil {
		return &ConfigValidationError{Field: key, Reason: err.Error()}
	}
	return nil
}

func (c *SessionConfig) validate() error {
	if c.User == "" {
		return &ConfigValidationError{Field: "USER", Reason: "required"}
	}
	if c.Database == "" {
		return &ConfigValidationError{Field: "DATABASE", Reason: "required"}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &ConfigValidationError{Field: "PORT", Reason: fmt.Sprintf("%d is out of range 1-65535", c.Port)}
	}
	if c.MaxConns <= 0 {
		return &ConfigValidationError{Field: "POOL_MAX_CONNS", Reason: "must be > 0"}
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return &ConfigValidationError{Field: "POOL_MIN_CONNS", Reason: "must be between 0 and POOL_MAX_CONNS"}
	}
	if c.MaxSQLLength <= 0 {
		return &ConfigValidationError{Field: "MAX_SQL_LENGTH", Reason: "must be > 0"}
	}
	if c.MaxStatementCount <= 0 {
		return &ConfigValidationError{Field: "MAX_STATEMENT_COUNT", Reason: "must be > 0"}
	}
	if c.MaxResultLength <= 0 {
		return &ConfigValidationError{Field: "MAX_RESULT_LENGTH", Reason: "must be > 0"}
	}
	if c.MaxRetries <= 0 {
		return &ConfigValidationError{Field: "MAX_RETRIES", Reason: "must be > 0"}
	}
	if c.ConnectTimeout <= 0 {
		return &ConfigValidationError{Field: "CONNECT_TIMEOUT", Reason: "must be > 0"}
	}
	if c.QueryTimeout <= 0 {
		return &ConfigValidationError{Field: "QUERY_TIMEOUT", Reason: "must be > 0"}
	}
	return nil
}

// RiskCeiling returns the session's effective risk ceiling: the explicit
// override when set, otherwise the role default (readonly ⇒ LOW, writer ⇒
// HIGH, admin ⇒ CRITICAL).
func (c *SessionConfig) RiskCeiling() risk.Level {
	if c.AllowedRiskCeiling != 0 {
		return c.AllowedRiskCeiling
	}
	switch c.Role {
	case RoleAdmin:
		return risk.Critical
	case RoleWriter:
		return risk.High
	default:
		return risk.Low
	}
}

// ConnectionHash is a stable digest over the connection-relevant subset of
// the configuration. It changes iff the connection target changes and keys
// pool reuse.
func (c *SessionConfig) ConnectionHash() string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%d|%s|%s|%s", c.Host, c.Port, c.User, c.Password, c.Database))
	return hex.EncodeToString(sum[:])
}

// connString builds a pgx connection string for this target. sslMode
// overrides the default negotiation ("prefer"); the fallback path forces
// "require" for servers that reject non-TLS authentication.
func (c *SessionConfig) connString(sslMode string) string {
	if sslMode == "" {
		sslMode = "prefer"
	}
	parts := []string{
		fmt.Sprintf("host=%s", c.Host),
		fmt.Sprintf("port=%d", c.Port),
		fmt.Sprintf("user=%s", c.User),
		fmt.Sprintf("dbname=%s", c.Database),
		fmt.Sprintf("sslmode=%s", sslMode),
	}
	if c.Password != "" {
		parts = append(parts, fmt.Sprintf("password=%s", c.Password))
	}
	return strings.Join(parts, " ")
}

// Target describes the connection target without credentials, for logging.
func (c *SessionConfig) Target() string {
	return fmt.Sprintf("%s@%s:%d/%s", c.User, c.Host, c.Port, c.Database)
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", value)
	}
	return n, nil
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("%q is not a boolean", value)
	}
	return b, nil
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%q is not a duration", value)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func upperList(items []string) []string {
	for i := range items {
		items[i] = strings.ToUpper(items[i])
	}
	return items
}

// parseTimeoutRules decodes a JSON array of {"pattern": ..., "timeout": "45s"}
// objects. An empty value clears the rules.
func parseTimeoutRules(value string) ([]TimeoutRule, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var raw []struct {
		Pattern string `json:"pattern"`
		Timeout string `json:"timeout"`
	}
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, err
	}
	rules := make([]TimeoutRule, 0, len(raw))
	for _, r := range raw {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout for pattern %q: %w", r.Pattern, err)
		}
		rules = append(rules, TimeoutRule{Pattern: r.Pattern, Timeout: d})
	}
	return rules, nil
}

// parseSanitizationRules decodes a JSON array of
// {"pattern": ..., "replacement": ...} objects.
func parseSanitizationRules(value string) ([]SanitizationRule, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var raw []struct {
		Pattern     string `json:"pattern"`
		Replacement string `json:"replacement"`
	}
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, err
	}
	rules := make([]SanitizationRule, 0, len(raw))
	for _, r := range raw {
		rules = append(rules, SanitizationRule(r))
	}
	return rules, nil
}

// parseHintRules decodes a JSON array of {"pattern": ..., "message": ...}
// objects.
func parseHintRules(value string) ([]HintRule, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	var raw []struct {
		Pattern string `json:"pattern"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, err
	}
	rules := make([]HintRule, 0, len(raw))
	for _, r := range raw {
		rules = append(rules, HintRule(r))
	}
	return rules, nil
}

// SessionConfigManager owns one session's published configuration snapshot.
// Readers always observe a complete snapshot: updates publish by replacement,
// never by field mutation. One instance per session, never shared.
type SessionConfigManager struct {
	current atomic.Pointer[SessionConfig]
}

// NewSessionConfigManager publishes the initial snapshot.
func NewSessionConfigManager(initial *SessionConfig) *SessionConfigManager {
	m := &SessionConfigManager{}
	m.current.Store(initial)
	return m
}

// Current returns the published snapshot. The returned value must not be
// mutated.
func (m *SessionConfigManager) Current() *SessionConfig {
	return m.current.Load()
}

// Update validates the merged candidate and publishes it atomically. On
// validation failure the previously published snapshot remains in effect and
// no field is updated. Concurrent updates race with last-validated-wins
// semantics.
func (m *SessionConfigManager) Update(partial map[string]string) error {
	candidate, err := m.Current().with(partial)
	if err != nil {
		return err
	}
	m.current.Store(candidate)
	return nil
}

// Validate returns the merged candidate without publishing it. The switch
// path uses this to build the replacement pool before any state changes.
func (m *SessionConfigManager) Validate(partial map[string]string) (*SessionConfig, error) {
	return m.Current().with(partial)
}

// publish stores a previously validated snapshot.
func (m *SessionConfigManager) publish(cfg *SessionConfig) {
	m.current.Store(cfg)
}
