package pgsentinel

import (
	"sync"

	"github.com/rs/zerolog"
)

// managerRegistry tracks every live DatabaseManager so shutdown can close
// all pools regardless of which sessions created them.
type managerRegistry struct {
	mu       sync.Mutex
	managers map[*DatabaseManager]struct{}
}

var defaultRegistry = &managerRegistry{
	managers: make(map[*DatabaseManager]struct{}),
}

func (r *managerRegistry) register(m *DatabaseManager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers[m] = struct{}{}
}

func (r *managerRegistry) unregister(m *DatabaseManager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, m)
}

// snapshot copies the live set so closing does not hold the registry lock
// while pools drain.
func (r *managerRegistry) snapshot() []*DatabaseManager {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*DatabaseManager, 0, len(r.managers))
	for m := range r.managers {
		out = append(out, m)
	}
	return out
}

func (r *managerRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// CloseAllInstances closes every registered manager's pool. Failures are
// logged and do not stop the sweep; closing is best effort and always
// completes.
func CloseAllInstances(logger zerolog.Logger) {
	managers := defaultRegistry.snapshot()
	for _, m := range managers {
		m.ClosePool()
	}
	logger.Info().Int("closed", len(managers)).Msg("all connection pools closed")
}
