package pgsentinel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ConnectionState is a DatabaseManager's lifecycle state.
type ConnectionState int32

const (
	StateUninitialized ConnectionState = iota
	StateActive
	StateReconnecting
	StateError
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateActive:
		return "ACTIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int32(s))
	}
}

// ErrPoolUnavailable is returned when the manager sits in ERROR for the same
// configuration that already failed. A config change or explicit Recover
// clears it.
var ErrPoolUnavailable = errors.New("connection pool unavailable, awaiting recovery or configuration change")

// connPool is the slice of *pgxpool.Pool the manager uses. Tests substitute
// a fake through the newPool factory.
type connPool interface {
	Ping(ctx context.Context) error
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Stat() *pgxpool.Stat
	Close()
}

// poolFactory builds a pool for a snapshot. useFallback forces TLS for
// servers that reject the default negotiation.
type poolFactory func(ctx context.Context, cfg *SessionConfig, useFallback bool) (connPool, error)

// DatabaseManager owns one session's connection pool and its lifecycle.
// Exactly one manager exists per session; it is never shared across
// sessions. All state transitions happen under mu.
type DatabaseManager struct {
	sessionID string
	config    *SessionConfigManager
	logger    zerolog.Logger

	mu           sync.Mutex
	pool         connPool
	configHash   string
	state        ConnectionState
	authFallback bool

	// semaphore bounds concurrent acquisitions at the pool's MaxConns so
	// callers queue here instead of inside pgx.
	semaphore chan struct{}

	newPool poolFactory
}

// NewDatabaseManager creates a manager in UNINITIALIZED and registers it for
// process-wide shutdown. No connection is attempted until the first
// EnsurePool.
func NewDatabaseManager(sessionID string, config *SessionConfigManager, logger zerolog.Logger) *DatabaseManager {
	m := &DatabaseManager{
		sessionID: sessionID,
		config:    config,
		logger:    logger.With().Str("session_id", sessionID).Logger(),
		state:     StateUninitialized,
		semaphore: make(chan struct{}, config.Current().MaxConns),
		newPool:   openPgxPool,
	}
	defaultRegistry.register(m)
	return m
}

func openPgxPool(ctx context.Context, cfg *SessionConfig, useFallback bool) (connPool, error) {
	sslMode := ""
	if useFallback {
		sslMode = "require"
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.connString(sslMode))
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// State returns the current lifecycle state.
func (m *DatabaseManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentConfig returns the session's published configuration snapshot.
func (m *DatabaseManager) CurrentConfig() *SessionConfig {
	return m.config.Current()
}

// EnsurePool makes the pool match the published configuration, building or
// replacing it as needed. It is idempotent: when the pool already serves the
// current config hash it returns immediately.
func (m *DatabaseManager) EnsurePool(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg := m.config.Current()
	hash := cfg.ConnectionHash()

	switch m.state {
	case StateClosed:
		return &ClosedResourceError{Resource: "database manager"}
	case StateActive:
		if m.configHash == hash {
			return nil
		}
		return m.switchLocked(ctx, cfg)
	case StateError:
		if m.configHash == hash {
			return ErrPoolUnavailable
		}
		return m.initializeLocked(ctx, cfg)
	case StateReconnecting:
		return m.initializeLocked(ctx, cfg)
	default: // UNINITIALIZED
		return m.initializeLocked(ctx, cfg)
	}
}

// InitializePool eagerly builds the pool for the published configuration.
// Serve uses it at startup so connection problems surface before the first
// query.
func (m *DatabaseManager) InitializePool(ctx context.Context) error {
	return m.EnsurePool(ctx)
}

func (m *DatabaseManager) initializeLocked(ctx context.Context, cfg *SessionConfig) error {
	pool, err := m.buildPoolLocked(ctx, cfg)
	if err != nil {
		m.state = StateError
		m.configHash = cfg.ConnectionHash()
		return err
	}
	// A reconnect, or a reinit after ERROR, can still hold the previous
	// pool; drain it in the background the way a switch does so it is
	// never orphaned.
	old := m.pool
	m.installLocked(pool, cfg)
	if old != nil {
		go old.Close()
	}
	m.logger.Info().
		Str("target", cfg.Target()).
		Str("state", m.state.String()).
		Msg("connection pool initialized")
	return nil
}

// switchLocked replaces an ACTIVE pool with one for cfg. The replacement is
// fully built and verified before the old pool is touched; on failure the
// old pool keeps serving.
func (m *DatabaseManager) switchLocked(ctx context.Context, cfg *SessionConfig) error {
	pool, err := m.buildPoolLocked(ctx, cfg)
	if err != nil {
		m.logger.Warn().
			Err(err).
			Str("target", cfg.Target()).
			Msg("pool switch failed, previous pool retained")
		return &PoolSwitchError{Cause: err}
	}
	old := m.pool
	m.installLocked(pool, cfg)
	if old != nil {
		// Close in the background so in-flight queries on the old pool
		// drain without blocking the switch.
		go old.Close()
	}
	m.logger.Info().
		Str("target", cfg.Target()).
		Msg("connection pool switched")
	return nil
}

func (m *DatabaseManager) installLocked(pool connPool, cfg *SessionConfig) {
	m.pool = pool
	m.configHash = cfg.ConnectionHash()
	m.state = StateActive
	if cap(m.semaphore) != cfg.MaxConns {
		m.semaphore = make(chan struct{}, cfg.MaxConns)
	}
}

// buildPoolLocked runs the bounded retry loop: MaxRetries attempts with
// exponential backoff, each under its own ConnectTimeout. Authentication
// rejections trigger one TLS-forced fallback attempt inside the same budget;
// a fallback that works is remembered for later rebuilds.
func (m *DatabaseManager) buildPoolLocked(ctx context.Context, cfg *SessionConfig) (connPool, error) {
	var lastErr error
	useFallback := m.authFallback
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := cfg.RetryBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, &PoolInitializationError{Attempts: attempt, Cause: ctx.Err()}
			case <-time.After(backoff):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		pool, err := m.newPool(attemptCtx, cfg, useFallback)
		cancel()
		if err == nil {
			m.authFallback = useFallback
			return pool, nil
		}
		lastErr = err
		m.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", cfg.MaxRetries).
			Bool("tls_fallback", useFallback).
			Str("target", cfg.Target()).
			Msg("connection attempt failed")
		if !useFallback && isAuthError(err) {
			// Retry immediately with TLS forced; some servers reject
			// password authentication on non-TLS connections.
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
			pool, err = m.newPool(attemptCtx, cfg, true)
			cancel()
			if err == nil {
				m.authFallback = true
				return pool, nil
			}
			lastErr = err
		}
	}
	return nil, &PoolInitializationError{Attempts: cfg.MaxRetries, Cause: lastErr}
}

// SwitchTo validates partial against the current snapshot, builds a pool for
// the candidate, and only then publishes the candidate and swaps the pool.
// On any failure the previous pool and configuration keep serving.
func (m *DatabaseManager) SwitchTo(ctx context.Context, partial map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateClosed {
		return &ClosedResourceError{Resource: "database manager"}
	}
	candidate, err := m.config.Validate(partial)
	if err != nil {
		return err
	}
	if m.state == StateActive && candidate.ConnectionHash() == m.configHash {
		// Same target: no pool work, publish the non-connection changes.
		m.config.publish(candidate)
		return nil
	}
	pool, err := m.buildPoolLocked(ctx, candidate)
	if err != nil {
		if m.state == StateActive {
			m.logger.Warn().
				Err(err).
				Str("target", candidate.Target()).
				Msg("switch failed, previous pool and configuration retained")
			return &PoolSwitchError{Cause: err}
		}
		return err
	}
	old := m.pool
	m.installLocked(pool, candidate)
	m.config.publish(candidate)
	if old != nil {
		go old.Close()
	}
	m.logger.Info().
		Str("target", candidate.Target()).
		Msg("switched database")
	return nil
}

// NoteConnectivityLoss records that an established pool hit a network
// failure. The manager moves to RECONNECTING; the next EnsurePool rebuilds.
func (m *DatabaseManager) NoteConnectivityLoss(err error) {
	if !isNetworkError(err) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return
	}
	m.state = StateReconnecting
	m.logger.Warn().Err(err).Msg("connectivity lost, will reconnect")
}

// Recover forces a rebuild attempt from ERROR without a config change.
func (m *DatabaseManager) Recover(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateError {
		return nil
	}
	return m.initializeLocked(ctx, m.config.Current())
}

// acquire checks out a connection, bounded by the manager's semaphore. The
// caller must call the returned release exactly once.
func (m *DatabaseManager) acquire(ctx context.Context) (*pgxpool.Conn, func(), error) {
	m.mu.Lock()
	pool := m.pool
	state := m.state
	sem := m.semaphore
	m.mu.Unlock()

	if state != StateActive || pool == nil {
		return nil, nil, fmt.Errorf("pool not active (state %s)", state)
	}
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		<-sem
		return nil, nil, err
	}
	return conn, func() {
		conn.Release()
		<-sem
	}, nil
}

// Stat reports pool statistics, or nil when no pool exists.
func (m *DatabaseManager) Stat() *pgxpool.Stat {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pool == nil {
		return nil
	}
	return m.pool.Stat()
}

// ClosePool closes the pool and moves the manager to CLOSED. It is
// idempotent; every operation after it returns ClosedResourceError.
func (m *DatabaseManager) ClosePool() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return
	}
	if m.pool != nil {
		m.pool.Close()
		m.pool = nil
	}
	m.state = StateClosed
	defaultRegistry.unregister(m)
	m.logger.Info().Msg("connection pool closed")
}

// isAuthError reports whether err is an authentication rejection, the class
// that warrants a TLS-forced retry.
func isAuthError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 28000 invalid_authorization_specification, 28P01 invalid_password.
		return pgErr.Code == "28000" || pgErr.Code == "28P01"
	}
	return strings.Contains(err.Error(), "SASL")
}

// isNetworkError reports whether err looks like a lost connection rather
// than a server-side rejection.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected EOF") ||
		pgconn.Timeout(err)
}
