package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/itinerary/internal/logging"
	"github.com/aretw0/itinerary/pkg/ports"
)

// DefaultTTL bounds how long a distributed lock survives a crashed holder.
const DefaultTTL = 30 * time.Second

// lockEntry holds the mutex and the reference count.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Manager hands out per-key locks.
// It uses Reference Counting to garbage collect unused locks.
type Manager struct {
	mu    sync.Mutex            // Global lock for the map
	locks map[string]*lockEntry // Map of active locks

	locker ports.DistributedLocker // Optional distributed locker
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures the Manager.
type Option func(*Manager)

// WithLocker enables distributed locking.
func WithLocker(locker ports.DistributedLocker) Option {
	return func(m *Manager) {
		m.locker = locker
	}
}

// WithTTL sets the expiry of distributed locks.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLogger configures a logger for the Manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		locks:  make(map[string]*lockEntry),
		ttl:    DefaultTTL,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Key is the lock key of one prospect.
func Key(journeyID, prospectID string) string {
	return journeyID + "/" + prospectID
}

// acquire gets or creates a lock entry and increments its reference count.
// The caller MUST Lock the entry.mu, and then call release(key) after unlocking.
func (m *Manager) acquire(key string) *lockEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[key]
	if !exists {
		entry = &lockEntry{}
		m.locks[key] = entry
	}
	entry.refs++
	return entry
}

// release decrements the reference count and deletes the entry if it reaches zero.
func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.locks[key]
	if !exists {
		return
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(m.locks, key)
	}
}

// WithLock executes fn while holding the lock for key.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	entry := m.acquire(key)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		m.release(key)
	}()

	if m.locker != nil {
		unlock, err := m.locker.Lock(ctx, key, m.ttl)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				m.logger.Warn("Failed to release distributed lock (will expire via TTL)",
					"key", key,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}

// Active returns how many keys currently hold or wait for a lock.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
