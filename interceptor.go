package pgsentinel

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pgsentinel/pgsentinel/internal/limiter"
	"github.com/pgsentinel/pgsentinel/internal/risk"
	"github.com/pgsentinel/pgsentinel/internal/scope"
	"github.com/pgsentinel/pgsentinel/internal/sqlparse"
)

// Verdict is the authorization decision for one SQL submission. It is
// returned to the caller whether the SQL was allowed or denied.
type Verdict struct {
	Allow     bool   `json:"allow"`
	Stage     string `json:"stage,omitempty"`
	Reason    string `json:"reason,omitempty"`
	RiskLevel string `json:"risk_level,omitempty"`
	// Normalized is the SQL that will actually execute, which differs from
	// the submission when the parser rewrote it (DESCRIBE, SHOW).
	Normalized string `json:"normalized,omitempty"`
}

// stageContext threads one submission through the pipeline. Stages fill in
// what later stages need: the parser publishes the descriptor, the risk
// analyzer its level.
type stageContext struct {
	raw  string
	cfg  *SessionConfig
	desc *sqlparse.Descriptor
	risk risk.Level
}

// pipelineStage is one gate. A stage either passes (nil) or denies with a
// *SQLRejectedError; stages never mutate the submission.
type pipelineStage interface {
	name() string
	evaluate(*stageContext) error
}

// limitStage enforces size and statement-count ceilings before any parse
// work is spent on the input.
type limitStage struct{}

func (limitStage) name() string { return "limiter" }

func (limitStage) evaluate(sc *stageContext) error {
	checker := limiter.NewChecker(limiter.Config{
		MaxSQLLength:      sc.cfg.MaxSQLLength,
		MaxStatementCount: sc.cfg.MaxStatementCount,
	})
	if err := checker.Check(sc.raw); err != nil {
		var limitErr *limiter.LimitError
		if errors.As(err, &limitErr) {
			return &SQLRejectedError{Stage: "limiter", Reason: limitErr.Reason, Cause: err}
		}
		return &SQLRejectedError{Stage: "limiter", Reason: err.Error(), Cause: err}
	}
	return nil
}

// parseStage parses the submission into the structural descriptor every
// later stage reasons over. Unparseable SQL never reaches the database.
type parseStage struct{}

func (parseStage) name() string { return "parser" }

func (parseStage) evaluate(sc *stageContext) error {
	desc, err := sqlparse.Parse(sc.raw)
	if err != nil {
		var malformed *sqlparse.MalformedError
		if errors.As(err, &malformed) {
			return &SQLRejectedError{
				Stage:  "parser",
				Reason: malformed.Reason,
				Cause:  &MalformedStatementError{Reason: malformed.Reason},
			}
		}
		return &SQLRejectedError{Stage: "parser", Reason: err.Error(), Cause: err}
	}
	sc.desc = desc
	return nil
}

// riskStage scores the parsed statements and denies anything above the
// session's ceiling. Blocked patterns and sensitive identifiers score
// CRITICAL regardless of statement kind.
type riskStage struct{}

func (riskStage) name() string { return "risk" }

func (riskStage) evaluate(sc *stageContext) error {
	analyzer := risk.NewAnalyzer(risk.Config{
		BlockedPatterns:    sc.cfg.BlockedPatterns,
		AllowSensitiveInfo: sc.cfg.AllowSensitiveInfo,
	})
	// Blocked patterns and sensitive identifiers deny regardless of the
	// session's ceiling.
	if reason := analyzer.Screen(sc.desc, sc.raw); reason != "" {
		sc.risk = risk.Critical
		return &SQLRejectedError{
			Stage:     "risk",
			Reason:    reason,
			RiskLevel: risk.Critical.String(),
		}
	}
	level, reason := analyzer.Analyze(sc.desc)
	sc.risk = level
	if level > sc.cfg.RiskCeiling() {
		if reason == "" {
			reason = fmt.Sprintf("%s risk exceeds the session ceiling %s", level, sc.cfg.RiskCeiling())
		}
		return &SQLRejectedError{
			Stage:     "risk",
			Reason:    reason,
			RiskLevel: level.String(),
		}
	}
	return nil
}

// scopeStage confines statements to the session's active database plus its
// allow-list.
type scopeStage struct{}

func (scopeStage) name() string { return "scope" }

func (scopeStage) evaluate(sc *stageContext) error {
	checker := scope.NewChecker(scope.Config{
		ActiveDatabase:   sc.cfg.Database,
		AccessLevel:      sc.cfg.AccessLevel,
		AllowedDatabases: sc.cfg.AllowedDatabases,
	})
	if err := checker.Check(sc.desc); err != nil {
		var violation *scope.Violation
		if errors.As(err, &violation) {
			return &SQLRejectedError{
				Stage:  "scope",
				Reason: violation.Reason,
				Cause: &DatabasePermissionError{
					Operation: string(violation.Operation),
					Table:     violation.Table,
					Reason:    violation.Reason,
				},
			}
		}
		return &SQLRejectedError{Stage: "scope", Reason: err.Error(), Cause: err}
	}
	return nil
}

// Interceptor runs every SQL submission through the authorization pipeline
// in fixed order: limiter, parser, risk, scope. The first denial stops the
// run; later stages never see denied SQL. The interceptor is stateless and
// safe for concurrent use: stages read only the snapshot passed per call.
type Interceptor struct {
	stages []pipelineStage
	logger zerolog.Logger
}

// NewInterceptor builds the pipeline in its fixed stage order.
func NewInterceptor(logger zerolog.Logger) *Interceptor {
	return &Interceptor{
		stages: []pipelineStage{limitStage{}, parseStage{}, riskStage{}, scopeStage{}},
		logger: logger,
	}
}

// Authorize evaluates sql against cfg. It returns the verdict and, when the
// SQL parsed, the structural descriptor for the execution path. A denial is
// not an error: err is non-nil only alongside a denying verdict, carrying
// the typed rejection for callers that need it.
func (i *Interceptor) Authorize(cfg *SessionConfig, sql string) (*Verdict, *sqlparse.Descriptor, error) {
	decisionID := uuid.NewString()
	start := time.Now()
	sc := &stageContext{raw: sql, cfg: cfg}

	for _, stage := range i.stages {
		if err := stage.evaluate(sc); err != nil {
			var rejected *SQLRejectedError
			if !errors.As(err, &rejected) {
				rejected = &SQLRejectedError{Stage: stage.name(), Reason: err.Error(), Cause: err}
			}
			verdict := &Verdict{
				Allow:     false,
				Stage:     rejected.Stage,
				Reason:    rejected.Reason,
				RiskLevel: rejected.RiskLevel,
			}
			i.logDecision(decisionID, cfg, sc, verdict, time.Since(start))
			return verdict, sc.desc, rejected
		}
	}
	verdict := &Verdict{Allow: true, RiskLevel: sc.risk.String(), Normalized: sc.desc.Normalized}
	i.logDecision(decisionID, cfg, sc, verdict, time.Since(start))
	return verdict, sc.desc, nil
}

func (i *Interceptor) logDecision(decisionID string, cfg *SessionConfig, sc *stageContext, v *Verdict, elapsed time.Duration) {
	evt := i.logger.Info()
	if !v.Allow {
		evt = i.logger.Warn()
	}
	evt = evt.
		Str("decision_id", decisionID).
		Bool("allow", v.Allow).
		Str("role", string(cfg.Role)).
		Str("database", cfg.Database).
		Str("sql", truncateForLog(sc.raw, 200)).
		Dur("elapsed", elapsed)
	if v.RiskLevel != "" {
		evt = evt.Str("risk_level", v.RiskLevel)
	}
	if !v.Allow {
		evt = evt.Str("stage", v.Stage).Str("reason", v.Reason)
	}
	evt.Msg("authorization decision")
}

func truncateForLog(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
