package pgsentinel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// fakePool satisfies connPool without a database.
type fakePool struct {
	target string
	closed atomic.Bool
}

func (f *fakePool) Ping(ctx context.Context) error                    { return nil }
func (f *fakePool) Acquire(ctx context.Context) (*pgxpool.Conn, error) { return nil, errors.New("fake pool") }
func (f *fakePool) Stat() *pgxpool.Stat                               { return nil }
func (f *fakePool) Close()                                            { f.closed.Store(true) }

// fakeFactory scripts pool construction: errs are consumed one per attempt,
// then pools succeed.
type fakeFactory struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	fallback []bool // useFallback flag per call
	pools    []*fakePool
}

func (f *fakeFactory) build(ctx context.Context, cfg *SessionConfig, useFallback bool) (connPool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.fallback = append(f.fallback, useFallback)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	pool := &fakePool{target: cfg.Target()}
	f.pools = append(f.pools, pool)
	return pool, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestManager(t *testing.T, values map[string]string) (*DatabaseManager, *fakeFactory) {
	t.Helper()
	if values == nil {
		values = baseValues()
	}
	values["RETRY_BACKOFF"] = "1ms"
	cfgMgr := NewSessionConfigManager(mustConfig(t, values))
	m := NewDatabaseManager("test-session", cfgMgr, zerolog.Nop())
	t.Cleanup(m.ClosePool)
	factory := &fakeFactory{}
	m.newPool = factory.build
	return m, factory
}

func waitClosed(t *testing.T, pool *fakePool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !pool.closed.Load() {
		if time.Now().After(deadline) {
			t.Fatal("pool was not closed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManager_StartsUninitialized(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	if m.State() != StateUninitialized {
		t.Fatalf("state = %s, want UNINITIALIZED", m.State())
	}
	if factory.callCount() != 0 {
		t.Fatal("no connection may be attempted before first use")
	}
}

func TestManager_EnsurePoolIdempotent(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	ctx := context.Background()

	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", m.State())
	}
	for i := 0; i < 3; i++ {
		if err := m.EnsurePool(ctx); err != nil {
			t.Fatalf("EnsurePool: %v", err)
		}
	}
	if got := factory.callCount(); got != 1 {
		t.Fatalf("factory called %d times, want 1", got)
	}
}

func TestManager_ConcurrentEnsurePoolBuildsOnce(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.EnsurePool(ctx); err != nil {
				t.Errorf("EnsurePool: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := factory.callCount(); got != 1 {
		t.Fatalf("factory called %d times, want 1", got)
	}
}

func TestManager_RetriesWithinBudget(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	factory.errs = []error{errors.New("connection refused"), errors.New("connection refused")}

	if err := m.EnsurePool(context.Background()); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", m.State())
	}
	if got := factory.callCount(); got != 3 {
		t.Fatalf("factory called %d times, want 3", got)
	}
}

func TestManager_RetryExhaustionEntersError(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	factory.errs = []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	}

	err := m.EnsurePool(context.Background())
	var initErr *PoolInitializationError
	if !errors.As(err, &initErr) {
		t.Fatalf("expected *PoolInitializationError, got %T: %v", err, err)
	}
	if initErr.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", initErr.Attempts)
	}
	if m.State() != StateError {
		t.Fatalf("state = %s, want ERROR", m.State())
	}

	// Same config hash: no new attempts, explicit unavailability.
	calls := factory.callCount()
	if err := m.EnsurePool(context.Background()); !errors.Is(err, ErrPoolUnavailable) {
		t.Fatalf("expected ErrPoolUnavailable, got %v", err)
	}
	if factory.callCount() != calls {
		t.Fatal("ERROR state with unchanged config must not retry")
	}
}

func TestManager_ErrorClearsOnConfigChange(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	factory.errs = []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	}

	if err := m.EnsurePool(context.Background()); err == nil {
		t.Fatal("expected initialization failure")
	}
	if err := m.config.Update(map[string]string{"DATABASE": "other"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := m.EnsurePool(context.Background()); err != nil {
		t.Fatalf("EnsurePool after config change: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", m.State())
	}
}

func TestManager_RecoverFromError(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	factory.errs = []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	}

	if err := m.EnsurePool(context.Background()); err == nil {
		t.Fatal("expected initialization failure")
	}
	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", m.State())
	}
}

func TestManager_SwitchBuildsBeforeSwapping(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}
	oldPool := factory.pools[0]

	if err := m.SwitchTo(ctx, map[string]string{"DATABASE": "analytics"}); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}
	if m.CurrentConfig().Database != "analytics" {
		t.Fatalf("database = %s, want analytics", m.CurrentConfig().Database)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", m.State())
	}
	waitClosed(t, oldPool)
}

func TestManager_FailedSwitchRetainsEverything(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}
	oldPool := factory.pools[0]
	before := m.CurrentConfig()

	factory.errs = []error{
		errors.New("no such host"),
		errors.New("no such host"),
		errors.New("no such host"),
	}
	err := m.SwitchTo(ctx, map[string]string{"HOST": "unreachable.invalid"})
	var switchErr *PoolSwitchError
	if !errors.As(err, &switchErr) {
		t.Fatalf("expected *PoolSwitchError, got %T: %v", err, err)
	}
	if m.CurrentConfig() != before {
		t.Fatal("failed switch must not publish the candidate")
	}
	if m.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", m.State())
	}
	if oldPool.closed.Load() {
		t.Fatal("failed switch must not close the serving pool")
	}
}

func TestManager_SwitchInvalidConfigRejected(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}
	calls := factory.callCount()

	err := m.SwitchTo(ctx, map[string]string{"PORT": "bogus"})
	var cfgErr *ConfigValidationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigValidationError, got %T: %v", err, err)
	}
	if factory.callCount() != calls {
		t.Fatal("invalid candidate must not reach pool construction")
	}
}

func TestManager_SwitchSameTargetPublishesWithoutRebuild(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}
	calls := factory.callCount()

	if err := m.SwitchTo(ctx, map[string]string{"MAX_SQL_LENGTH": "500"}); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}
	if factory.callCount() != calls {
		t.Fatal("same connection target must not rebuild the pool")
	}
	if m.CurrentConfig().MaxSQLLength != 500 {
		t.Fatal("policy change was not published")
	}
}

func TestManager_AuthFallbackRetriesWithTLS(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	factory.errs = []error{
		&pgconn.PgError{Code: "28000", Message: "password authentication failed"},
	}

	if err := m.EnsurePool(context.Background()); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}
	if len(factory.fallback) != 2 || factory.fallback[0] || !factory.fallback[1] {
		t.Fatalf("fallback sequence = %v, want [false true]", factory.fallback)
	}

	// The fallback is remembered: the next build starts TLS-forced.
	if err := m.SwitchTo(context.Background(), map[string]string{"DATABASE": "other"}); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}
	if !factory.fallback[len(factory.fallback)-1] {
		t.Fatal("remembered fallback must be used on later builds")
	}
}

func TestManager_NonAuthErrorDoesNotTriggerFallback(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	factory.errs = []error{errors.New("connection refused")}

	if err := m.EnsurePool(context.Background()); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}
	for _, used := range factory.fallback {
		if used {
			t.Fatal("network error must not trigger TLS fallback")
		}
	}
}

func TestManager_ConnectivityLossReconnects(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}

	m.NoteConnectivityLoss(fmt.Errorf("read tcp: connection reset by peer"))
	if m.State() != StateReconnecting {
		t.Fatalf("state = %s, want RECONNECTING", m.State())
	}

	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", m.State())
	}
	if got := factory.callCount(); got != 2 {
		t.Fatalf("factory called %d times, want 2", got)
	}
}

func TestManager_ReconnectClosesPreviousPool(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}
	oldPool := factory.pools[0]

	m.NoteConnectivityLoss(fmt.Errorf("read tcp: connection reset by peer"))
	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool after reconnect: %v", err)
	}
	if m.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", m.State())
	}
	waitClosed(t, oldPool)
	if factory.pools[1].closed.Load() {
		t.Fatal("replacement pool must stay open")
	}
}

func TestManager_ReinitAfterErrorClosesPreviousPool(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}
	oldPool := factory.pools[0]

	// Reconnect attempts exhaust the budget: ERROR while the stale pool
	// handle is still held.
	m.NoteConnectivityLoss(fmt.Errorf("read tcp: connection reset by peer"))
	factory.errs = []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	}
	if err := m.EnsurePool(ctx); err == nil {
		t.Fatal("expected reconnect failure")
	}
	if m.State() != StateError {
		t.Fatalf("state = %s, want ERROR", m.State())
	}
	if oldPool.closed.Load() {
		t.Fatal("failed reconnect must not close the held pool")
	}

	if err := m.config.Update(map[string]string{"DATABASE": "other"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool after config change: %v", err)
	}
	waitClosed(t, oldPool)
}

func TestManager_StatementErrorIsNotConnectivityLoss(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}

	m.NoteConnectivityLoss(&pgconn.PgError{Code: "42P01", Message: "relation does not exist"})
	if m.State() != StateActive {
		t.Fatalf("state = %s, want ACTIVE", m.State())
	}
}

func TestManager_CloseIsIdempotentAndTerminal(t *testing.T) {
	t.Parallel()
	m, factory := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.EnsurePool(ctx); err != nil {
		t.Fatalf("EnsurePool: %v", err)
	}

	m.ClosePool()
	m.ClosePool()
	if m.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", m.State())
	}
	if !factory.pools[0].closed.Load() {
		t.Fatal("pool must be closed")
	}

	var closedErr *ClosedResourceError
	if err := m.EnsurePool(ctx); !errors.As(err, &closedErr) {
		t.Fatalf("expected *ClosedResourceError, got %v", err)
	}
	if err := m.SwitchTo(ctx, map[string]string{"DATABASE": "other"}); !errors.As(err, &closedErr) {
		t.Fatalf("expected *ClosedResourceError, got %v", err)
	}
}

func TestConnectionState_String(t *testing.T) {
	t.Parallel()
	want := map[ConnectionState]string{
		StateUninitialized: "UNINITIALIZED",
		StateActive:        "ACTIVE",
		StateReconnecting:  "RECONNECTING",
		StateError:         "ERROR",
		StateClosed:        "CLOSED",
	}
	for state, name := range want {
		if state.String() != name {
			t.Fatalf("%d.String() = %s, want %s", state, state.String(), name)
		}
	}
}
