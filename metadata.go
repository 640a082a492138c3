package pgsentinel

import (
	"context"
	"fmt"
	"time"
)

const listTablesSQL = `
SELECT
    n.nspname AS schema,
    c.relname AS name,
    CASE c.relkind
        WHEN 'r' THEN 'table'
        WHEN 'v' THEN 'view'
        WHEN 'm' THEN 'materialized_view'
        WHEN 'f' THEN 'foreign_table'
        WHEN 'p' THEN 'partitioned_table'
    END AS type,
    pg_catalog.pg_get_userbyid(c.relowner) AS owner
FROM pg_catalog.pg_class c
LEFT JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE c.relkind IN ('r', 'v', 'm', 'f', 'p')
  AND n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast')
  AND has_table_privilege(c.oid, 'SELECT')
ORDER BY n.nspname, c.relname;
`

const tableColumnsSQL = `
SELECT
    c.column_name AS name,
    c.data_type AS type,
    CASE c.is_nullable WHEN 'YES' THEN true ELSE false END AS nullable,
    COALESCE(c.column_default, '') AS default_val,
    CASE WHEN pk.column_name IS NOT NULL THEN true ELSE false END AS is_primary_key
FROM information_schema.columns c
LEFT JOIN (
    SELECT kcu.column_name
    FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage kcu
        ON tc.constraint_name = kcu.constraint_name
        AND tc.table_schema = kcu.table_schema
    WHERE tc.constraint_type = 'PRIMARY KEY'
        AND tc.table_schema = $1
        AND tc.table_name = $2
) pk ON pk.column_name = c.column_name
WHERE c.table_schema = $1
    AND c.table_name = $2
ORDER BY c.ordinal_position;
`

const tableIndexesSQL = `
SELECT
    indexname AS name,
    indexdef AS definition
FROM pg_catalog.pg_indexes
WHERE schemaname = $1
  AND tablename = $2
ORDER BY indexname;
`

// TableEntry is one relation visible to the session's database user.
type TableEntry struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Owner  string `json:"owner"`
}

// ColumnEntry is one column of a described table.
type ColumnEntry struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Nullable     bool   `json:"nullable"`
	Default      string `json:"default,omitempty"`
	IsPrimaryKey bool   `json:"is_primary_key"`
}

// IndexEntry is one index of a described table.
type IndexEntry struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// TableDescription is the structure of one table.
type TableDescription struct {
	Schema  string        `json:"schema"`
	Name    string        `json:"name"`
	Columns []ColumnEntry `json:"columns"`
	Indexes []IndexEntry  `json:"indexes"`
}

// PoolStatus reports one session's pool state and statistics.
type PoolStatus struct {
	State            string `json:"state"`
	Target           string `json:"target"`
	TotalConns       int32  `json:"total_conns"`
	IdleConns        int32  `json:"idle_conns"`
	AcquiredConns    int32  `json:"acquired_conns"`
	MaxConns         int32  `json:"max_conns"`
	TLSFallbackInUse bool   `json:"tls_fallback_in_use"`
}

// ListTables returns the relations visible to the session's database user.
// Metadata queries bypass the authorization pipeline: the SQL is fixed and
// scoped to the active database by construction.
func (s *Sentinel) ListTables(ctx context.Context, sessionID string) ([]TableEntry, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.manager.EnsurePool(ctx); err != nil {
		return nil, err
	}
	startTime := time.Now()

	queryCtx, cancel := context.WithTimeout(ctx, sess.config.Current().QueryTimeout)
	defer cancel()

	conn, release, err := sess.manager.acquire(queryCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer release()

	rows, err := conn.Query(queryCtx, listTablesSQL)
	if err != nil {
		sess.manager.NoteConnectivityLoss(err)
		return nil, fmt.Errorf("list tables query failed: %w", err)
	}
	defer rows.Close()

	tables := []TableEntry{}
	for rows.Next() {
		var entry TableEntry
		if err := rows.Scan(&entry.Schema, &entry.Name, &entry.Type, &entry.Owner); err != nil {
			return nil, fmt.Errorf("list tables scan failed: %w", err)
		}
		tables = append(tables, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tables rows error: %w", err)
	}

	s.logger.Info().
		Str("session_id", sessionID).
		Dur("duration", time.Since(startTime)).
		Int("table_count", len(tables)).
		Msg("tables listed")

	return tables, nil
}

// DescribeTable returns the columns and indexes of one table. schema
// defaults to "public".
func (s *Sentinel) DescribeTable(ctx context.Context, sessionID, schema, table string) (*TableDescription, error) {
	if table == "" {
		return nil, &ConfigValidationError{Field: "table", Reason: "required"}
	}
	if schema == "" {
		schema = "public"
	}
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.manager.EnsurePool(ctx); err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, sess.config.Current().QueryTimeout)
	defer cancel()

	conn, release, err := sess.manager.acquire(queryCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer release()

	desc := &TableDescription{Schema: schema, Name: table, Columns: []ColumnEntry{}, Indexes: []IndexEntry{}}

	rows, err := conn.Query(queryCtx, tableColumnsSQL, schema, table)
	if err != nil {
		sess.manager.NoteConnectivityLoss(err)
		return nil, fmt.Errorf("describe table query failed: %w", err)
	}
	for rows.Next() {
		var col ColumnEntry
		if err := rows.Scan(&col.Name, &col.Type, &col.Nullable, &col.Default, &col.IsPrimaryKey); err != nil {
			rows.Close()
			return nil, fmt.Errorf("describe table scan failed: %w", err)
		}
		desc.Columns = append(desc.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe table rows error: %w", err)
	}
	rows.Close()

	if len(desc.Columns) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", schema, table)
	}

	rows, err = conn.Query(queryCtx, tableIndexesSQL, schema, table)
	if err != nil {
		sess.manager.NoteConnectivityLoss(err)
		return nil, fmt.Errorf("describe table index query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx IndexEntry
		if err := rows.Scan(&idx.Name, &idx.Definition); err != nil {
			return nil, fmt.Errorf("describe table index scan failed: %w", err)
		}
		desc.Indexes = append(desc.Indexes, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe table index rows error: %w", err)
	}

	return desc, nil
}

// GetPoolStatus reports one session's connection state and pool statistics.
// It never connects: an uninitialized session reports UNINITIALIZED.
func (s *Sentinel) GetPoolStatus(sessionID string) (*PoolStatus, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	cfg := sess.config.Current()
	status := &PoolStatus{
		State:  sess.manager.State().String(),
		Target: cfg.Target(),
	}
	sess.manager.mu.Lock()
	status.TLSFallbackInUse = sess.manager.authFallback
	sess.manager.mu.Unlock()
	if stat := sess.manager.Stat(); stat != nil {
		status.TotalConns = stat.TotalConns()
		status.IdleConns = stat.IdleConns()
		status.AcquiredConns = stat.AcquiredConns()
		status.MaxConns = stat.MaxConns()
	}
	return status, nil
}
