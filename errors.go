package pgsentinel

import "fmt"

// ConfigValidationError reports a malformed or out-of-range configuration
// value. The update that produced it is rejected and the prior snapshot
// stays in effect.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// PoolSwitchError reports that a replacement pool failed to establish during
// a database switch. The previous pool and configuration are retained.
type PoolSwitchError struct {
	Cause error
}

func (e *PoolSwitchError) Error() string {
	return fmt.Sprintf("database switch failed, previous pool and configuration retained: %v", e.Cause)
}

func (e *PoolSwitchError) Unwrap() error { return e.Cause }

// PoolInitializationError reports that pool establishment exhausted its
// retry budget. The manager's state is ERROR until an explicit recovery or
// configuration switch.
type PoolInitializationError struct {
	Attempts int
	Cause    error
}

func (e *PoolInitializationError) Error() string {
	return fmt.Sprintf("pool initialization failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *PoolInitializationError) Unwrap() error { return e.Cause }

// ClosedResourceError reports an operation attempted after the resource was
// closed. CLOSED is terminal.
type ClosedResourceError struct {
	Resource string
}

func (e *ClosedResourceError) Error() string {
	return fmt.Sprintf("%s is closed", e.Resource)
}

// SQLRejectedError is a definitive pipeline denial. Stage names which check
// denied the statement; Cause, when set, carries the stage-specific error
// (MalformedStatementError, DatabasePermissionError).
type SQLRejectedError struct {
	Stage     string
	Reason    string
	RiskLevel string
	Cause     error
}

func (e *SQLRejectedError) Error() string {
	return fmt.Sprintf("sql rejected at %s stage: %s", e.Stage, e.Reason)
}

func (e *SQLRejectedError) Unwrap() error { return e.Cause }

// MalformedStatementError reports a statement the parser could not classify
// into the sanctioned operation set.
type MalformedStatementError struct {
	Reason string
}

func (e *MalformedStatementError) Error() string {
	return "malformed statement: " + e.Reason
}

// DatabasePermissionError reports a scope denial with the specific offending
// operation and table.
type DatabasePermissionError struct {
	Operation string
	Table     string
	Reason    string
}

func (e *DatabasePermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s on %s: %s", e.Operation, e.Table, e.Reason)
}
