package pgsentinel

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pgsentinel/pgsentinel/internal/hint"
	"github.com/pgsentinel/pgsentinel/internal/sanitize"
	"github.com/pgsentinel/pgsentinel/internal/timeout"
)

// Sentinel is the engine. It owns per-session state and routes every SQL
// submission through the authorization pipeline before it can touch a pool.
// One Sentinel serves all sessions of a process; sessions never share
// configuration or pools.
type Sentinel struct {
	defaults    map[string]string
	logger      zerolog.Logger
	interceptor *Interceptor

	mu       sync.RWMutex
	sessions map[string]*session
}

// session bundles one caller's isolated state: its config manager, its
// database manager, and helpers derived from the config snapshot.
type session struct {
	config  *SessionConfigManager
	manager *DatabaseManager

	// helpers are rebuilt lazily when the published snapshot changes.
	helperMu  sync.Mutex
	helperCfg *SessionConfig
	timeouts  *timeout.Manager
	sanitizer *sanitize.Sanitizer
	hints     *hint.Matcher
}

// New validates the default configuration and returns an engine with no
// sessions. Sessions materialize on first use with a copy of the defaults.
func New(defaults map[string]string, logger zerolog.Logger) (*Sentinel, error) {
	if _, err := NewSessionConfig(defaults); err != nil {
		return nil, err
	}
	return &Sentinel{
		defaults:    defaults,
		logger:      logger,
		interceptor: NewInterceptor(logger),
		sessions:    make(map[string]*session),
	}, nil
}

// session returns the state for sessionID, creating it from the defaults on
// first use.
func (s *Sentinel) session(sessionID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok = s.sessions[sessionID]; ok {
		return sess, nil
	}
	cfg, err := NewSessionConfig(s.defaults)
	if err != nil {
		return nil, err
	}
	mgr := NewSessionConfigManager(cfg)
	sess = &session{
		config:  mgr,
		manager: NewDatabaseManager(sessionID, mgr, s.logger),
	}
	s.sessions[sessionID] = sess
	s.logger.Info().Str("session_id", sessionID).Msg("session created")
	return sess, nil
}

// Connect eagerly initializes one session's pool so connection problems
// surface before the first query.
func (s *Sentinel) Connect(ctx context.Context, sessionID string) error {
	sess, err := s.session(sessionID)
	if err != nil {
		return err
	}
	return sess.manager.InitializePool(ctx)
}

// SwitchDatabase applies a partial configuration to one session with
// build-then-swap semantics: the replacement pool is connected and verified
// before anything is published. On failure the session keeps serving with
// its previous pool and configuration.
func (s *Sentinel) SwitchDatabase(ctx context.Context, sessionID string, partial map[string]string) (*SessionConfig, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.manager.SwitchTo(ctx, partial); err != nil {
		return nil, err
	}
	return sess.config.Current(), nil
}

// UpdateConfig applies a partial configuration that does not change the
// connection target. Validation failure leaves the previous snapshot in
// effect.
func (s *Sentinel) UpdateConfig(sessionID string, partial map[string]string) (*SessionConfig, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.config.Update(partial); err != nil {
		return nil, err
	}
	return sess.config.Current(), nil
}

// CloseSession closes one session's pool and forgets the session.
func (s *Sentinel) CloseSession(sessionID string) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if ok {
		sess.manager.ClosePool()
	}
}

// Shutdown closes every session this engine created. Process-wide cleanup
// across engines is CloseAllInstances.
func (s *Sentinel) Shutdown() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.manager.ClosePool()
	}
}

// helpers returns the timeout manager, sanitizer, and hint matcher for the
// session's current snapshot, rebuilding them only when the snapshot
// changed.
func (sess *session) helpers() (*timeout.Manager, *sanitize.Sanitizer, *hint.Matcher, error) {
	cfg := sess.config.Current()
	sess.helperMu.Lock()
	defer sess.helperMu.Unlock()
	if sess.helperCfg == cfg {
		return sess.timeouts, sess.sanitizer, sess.hints, nil
	}

	rules := make([]timeout.Rule, 0, len(cfg.TimeoutRules))
	for _, r := range cfg.TimeoutRules {
		rules = append(rules, timeout.Rule{Pattern: r.Pattern, Timeout: r.Timeout})
	}
	timeouts, err := timeout.NewManager(timeout.Config{
		DefaultTimeout: cfg.QueryTimeout,
		Rules:          rules,
	})
	if err != nil {
		return nil, nil, nil, &ConfigValidationError{Field: "TIMEOUT_RULES", Reason: err.Error()}
	}

	sanRules := make([]sanitize.Rule, 0, len(cfg.SanitizationRules))
	for _, r := range cfg.SanitizationRules {
		sanRules = append(sanRules, sanitize.Rule{Pattern: r.Pattern, Replacement: r.Replacement})
	}
	sanitizer, err := sanitize.NewSanitizer(sanRules, cfg.MaskedColumns)
	if err != nil {
		return nil, nil, nil, &ConfigValidationError{Field: "SANITIZATION_RULES", Reason: err.Error()}
	}

	hintRules := make([]hint.Rule, 0, len(cfg.HintRules))
	for _, r := range cfg.HintRules {
		hintRules = append(hintRules, hint.Rule{Pattern: r.Pattern, Message: r.Message})
	}
	hints, err := hint.NewMatcher(hintRules)
	if err != nil {
		return nil, nil, nil, &ConfigValidationError{Field: "HINT_RULES", Reason: err.Error()}
	}

	sess.helperCfg = cfg
	sess.timeouts = timeouts
	sess.sanitizer = sanitizer
	sess.hints = hints
	return timeouts, sanitizer, hints, nil
}
