// Package scope checks that every table a statement references resolves
// within the session's active database or its explicit allow-list.
package scope

import (
	"fmt"
	"strings"

	"github.com/pgsentinel/pgsentinel/internal/sqlparse"
)

// AccessLevel controls how far outside the active database a session may
// reach.
type AccessLevel string

const (
	// Permissive disables scope enforcement entirely.
	Permissive AccessLevel = "permissive"
	// Restricted confines the session to the active database, the
	// allow-list, and the system catalogs.
	Restricted AccessLevel = "restricted"
	// Strict additionally denies the system catalogs.
	Strict AccessLevel = "strict"
)

// ParseAccessLevel converts a config string to an AccessLevel. Unknown
// values are an error; access parsing fails closed.
func ParseAccessLevel(s string) (AccessLevel, error) {
	switch AccessLevel(strings.ToLower(strings.TrimSpace(s))) {
	case Permissive:
		return Permissive, nil
	case Restricted:
		return Restricted, nil
	case Strict:
		return Strict, nil
	default:
		return "", fmt.Errorf("unknown access level %q", s)
	}
}

// system catalogs readable under Restricted.
var systemDatabases = map[string]struct{}{
	"information_schema": {},
	"pg_catalog":         {},
}

// Config is the scope checker's own config type.
type Config struct {
	ActiveDatabase   string
	AccessLevel      AccessLevel
	AllowedDatabases []string
}

// Checker enforces database scope for parsed statements.
type Checker struct {
	config  Config
	allowed map[string]struct{}
}

// Violation reports the first out-of-scope reference found in a statement.
type Violation struct {
	Operation sqlparse.Kind
	Table     string
	Reason    string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("database scope violation: %s on %s: %s", v.Operation, v.Table, v.Reason)
}

// NewChecker creates a new Checker with the given config.
func NewChecker(config Config) *Checker {
	allowed := make(map[string]struct{}, len(config.AllowedDatabases))
	for _, db := range config.AllowedDatabases {
		if db = strings.ToLower(strings.TrimSpace(db)); db != "" {
			allowed[db] = struct{}{}
		}
	}
	return &Checker{config: config, allowed: allowed}
}

// Check returns nil if every reference in the descriptor is in scope. The
// first violation denies the whole statement.
func (c *Checker) Check(d *sqlparse.Descriptor) error {
	if c.config.AccessLevel == Permissive {
		return nil
	}

	for _, s := range d.Statements {
		if err := c.checkDatabaseDDL(s); err != nil {
			return err
		}
		for _, t := range s.Tables {
			if err := c.checkTable(s.Kind, t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Checker) checkTable(op sqlparse.Kind, t sqlparse.TableRef) error {
	if t.Database == "" {
		// Unqualified names resolve against the active database.
		return nil
	}
	db := strings.ToLower(t.Database)
	if db == strings.ToLower(c.config.ActiveDatabase) {
		return nil
	}
	if _, ok := c.allowed[db]; ok {
		return nil
	}
	if _, ok := systemDatabases[db]; ok && c.config.AccessLevel == Restricted {
		return nil
	}
	return &Violation{
		Operation: op,
		Table:     t.String(),
		Reason:    fmt.Sprintf("database %q is outside the session scope", t.Database),
	}
}

// checkDatabaseDDL gates CREATE/DROP/ALTER DATABASE, which only Permissive
// sessions may run. Dropping the active database is never in scope.
func (c *Checker) checkDatabaseDDL(s sqlparse.Statement) error {
	if s.Database == "" {
		return nil
	}
	if s.Kind == sqlparse.KindDrop && strings.EqualFold(s.Database, c.config.ActiveDatabase) {
		return &Violation{
			Operation: s.Kind,
			Table:     s.Database,
			Reason:    "cannot drop the session's active database",
		}
	}
	return &Violation{
		Operation: s.Kind,
		Table:     s.Database,
		Reason:    "database-level DDL requires permissive access",
	}
}

// AllowedDatabases returns the set of databases this checker resolves as
// in scope, for diagnostics.
func (c *Checker) AllowedDatabases() []string {
	out := []string{strings.ToLower(c.config.ActiveDatabase)}
	for db := range c.allowed {
		out = append(out, db)
	}
	if c.config.AccessLevel == Restricted {
		for db := range systemDatabases {
			out = append(out, db)
		}
	}
	return out
}
