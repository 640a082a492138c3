package pgsentinel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/netip"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/pgsentinel/pgsentinel/internal/sqlparse"
)

// ExecuteInput is one SQL submission.
type ExecuteInput struct {
	SQL string `json:"sql"`
	// Params are bound server-side; they are never interpolated into the
	// SQL text.
	Params []any `json:"params,omitempty"`
}

// ExecuteOutput is the result of one submission, allowed or denied. Error
// carries the failure message (with any matching hints appended) so callers
// only inspect the output, never a Go error.
type ExecuteOutput struct {
	Columns      []string                 `json:"columns,omitempty"`
	Rows         []map[string]interface{} `json:"rows,omitempty"`
	RowsAffected int64                    `json:"rows_affected"`
	Verdict      *Verdict                 `json:"verdict,omitempty"`
	Error        string                   `json:"error,omitempty"`
}

// Execute runs input.SQL for sessionID: authorize, ensure the pool matches
// the session's configuration, then execute and shape the result. Denied SQL
// never reaches the pool.
func (s *Sentinel) Execute(ctx context.Context, sessionID string, input ExecuteInput) *ExecuteOutput {
	sess, err := s.session(sessionID)
	if err != nil {
		return s.handleError(nil, nil, err)
	}
	cfg := sess.config.Current()

	verdict, desc, err := s.interceptor.Authorize(cfg, input.SQL)
	if err != nil {
		return s.handleError(sess, verdict, err)
	}

	if err := sess.manager.EnsurePool(ctx); err != nil {
		return s.handleError(sess, verdict, err)
	}

	out := s.execute(ctx, sess, cfg, desc, input)
	out.Verdict = verdict
	return out
}

func (s *Sentinel) execute(ctx context.Context, sess *session, cfg *SessionConfig, desc *sqlparse.Descriptor, input ExecuteInput) *ExecuteOutput {
	startTime := time.Now()

	timeouts, sanitizer, _, err := sess.helpers()
	if err != nil {
		return s.handleError(sess, nil, err)
	}

	params := input.Params
	if len(desc.Args) > 0 {
		// Rewritten statements (DESCRIBE) carry their own parameters.
		params = desc.Args
	}
	if desc.StatementCount > 1 && len(params) > 0 {
		return s.handleError(sess, nil, fmt.Errorf("parameters are not supported for multi-statement submissions"))
	}

	queryTimeout, timeoutRule := timeouts.GetTimeoutWithPattern(desc.Normalized)
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	conn, release, err := sess.manager.acquire(queryCtx)
	if err != nil {
		sess.manager.NoteConnectivityLoss(err)
		return s.handleError(sess, nil, err)
	}
	defer release()

	tx, err := conn.Begin(queryCtx)
	if err != nil {
		sess.manager.NoteConnectivityLoss(err)
		return s.handleError(sess, nil, err)
	}
	// Rollback on the parent ctx: if the query timed out, queryCtx is
	// already cancelled.
	defer tx.Rollback(ctx)

	var result *ExecuteOutput
	for _, stmt := range desc.Statements {
		sql := stmt.Normalized
		if sql == "" {
			sql = desc.Normalized
		}
		rows, err := tx.Query(queryCtx, sql, params...)
		if err != nil {
			sess.manager.NoteConnectivityLoss(err)
			return s.handleError(sess, nil, err)
		}
		result, err = collectRows(rows)
		if err != nil {
			sess.manager.NoteConnectivityLoss(err)
			return s.handleError(sess, nil, err)
		}
	}

	if readOnly(desc) {
		tx.Rollback(ctx)
	} else if err := tx.Commit(queryCtx); err != nil {
		sess.manager.NoteConnectivityLoss(err)
		return s.handleError(sess, nil, err)
	}

	result.Rows = sanitizer.SanitizeRows(result.Rows)
	truncateIfNeeded(result, cfg.MaxResultLength)

	logEvent := s.logger.Info().
		Str("session_id", sess.manager.sessionID).
		Str("sql", truncateForLog(input.SQL, 200)).
		Dur("duration", time.Since(startTime)).
		Int("row_count", len(result.Rows)).
		Int64("rows_affected", result.RowsAffected)
	if timeoutRule != "" {
		logEvent = logEvent.Str("timeout_rule", timeoutRule)
	}
	if sanitizer.HasRules() {
		logEvent = logEvent.Bool("sanitized", true)
	}
	logEvent.Msg("query executed")

	return result
}

// readOnly reports whether every statement in the submission is read-only.
func readOnly(desc *sqlparse.Descriptor) bool {
	for _, stmt := range desc.Statements {
		switch stmt.Kind {
		case sqlparse.KindSelect, sqlparse.KindShow, sqlparse.KindDescribe, sqlparse.KindExplain:
		default:
			return false
		}
	}
	return true
}

// collectRows reads all rows from pgx.Rows into an ExecuteOutput.
func collectRows(rows pgx.Rows) (*ExecuteOutput, error) {
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]string, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = fd.Name
	}

	resultRows := make([]map[string]interface{}, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = convertValue(values[i])
		}
		resultRows = append(resultRows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &ExecuteOutput{
		Columns:      columns,
		Rows:         resultRows,
		RowsAffected: rows.CommandTag().RowsAffected(),
	}, nil
}

// convertValue converts a pgx-returned value to a JSON-friendly Go type.
func convertValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.Format(time.RFC3339Nano)
	case float32:
		return convertFloat(float64(val))
	case float64:
		return convertFloat(val)
	case netip.Prefix:
		return val.String()
	case net.HardwareAddr:
		return val.String()
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		if val.NaN {
			return "NaN"
		}
		b, err := val.MarshalJSON()
		if err != nil {
			return nil
		}
		return string(b)
	case pgtype.Time:
		if !val.Valid {
			return nil
		}
		us := val.Microseconds
		hours := us / 3_600_000_000
		us -= hours * 3_600_000_000
		minutes := us / 60_000_000
		us -= minutes * 60_000_000
		seconds := us / 1_000_000
		us -= seconds * 1_000_000
		if us > 0 {
			return fmt.Sprintf("%02d:%02d:%02d.%06d", hours, minutes, seconds, us)
		}
		return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
	case pgtype.Interval:
		if !val.Valid {
			return nil
		}
		var parts []string
		if val.Months != 0 {
			parts = append(parts, fmt.Sprintf("%d mon(s)", val.Months))
		}
		if val.Days != 0 {
			parts = append(parts, fmt.Sprintf("%d day(s)", val.Days))
		}
		if val.Microseconds != 0 {
			parts = append(parts, (time.Duration(val.Microseconds) * time.Microsecond).String())
		}
		if len(parts) == 0 {
			return "0"
		}
		return strings.Join(parts, " ")
	case [16]byte:
		// UUID
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	case []byte:
		// bytea: base64 encode
		return base64.StdEncoding.EncodeToString(val)
	case string:
		return val
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			result[k] = convertValue(item)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = convertValue(item)
		}
		return result
	default:
		return val
	}
}

func convertFloat(f float64) interface{} {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	default:
		return f
	}
}

// handleError converts any failure into an ExecuteOutput with an error
// message. The message is evaluated against the session's hint rules; any
// matching guidance is appended.
func (s *Sentinel) handleError(sess *session, verdict *Verdict, err error) *ExecuteOutput {
	errMsg := err.Error()

	logEvent := s.logger.Error().Err(err)
	if sess != nil {
		logEvent = logEvent.Str("session_id", sess.manager.sessionID)
		if _, _, hints, herr := sess.helpers(); herr == nil {
			if patterns := hints.MatchedPatterns(errMsg); len(patterns) > 0 {
				logEvent = logEvent.Strs("hints", patterns)
			}
			if hint := hints.Match(errMsg); hint != "" {
				errMsg = errMsg + "\n\n" + hint
			}
		}
	}
	logEvent.Msg("query error")

	return &ExecuteOutput{Verdict: verdict, Error: errMsg}
}

// truncateIfNeeded replaces oversized row sets with a truncated rendering.
func truncateIfNeeded(output *ExecuteOutput, maxResultLength int) {
	jsonBytes, err := json.Marshal(output.Rows)
	if err != nil {
		// convertValue only emits JSON-encodable values; a failure here
		// means a conversion gap. Surface it rather than returning rows
		// whose size cannot be measured.
		output.Rows = nil
		output.Error = "failed to encode result rows: " + err.Error()
		return
	}
	jsonStr := string(jsonBytes)
	if utf8.RuneCountInString(jsonStr) <= maxResultLength {
		return
	}
	runes := []rune(jsonStr)
	output.Rows = nil
	output.Error = string(runes[:maxResultLength]) + "...[truncated] Result is too long! Add limits in your query!"
}
