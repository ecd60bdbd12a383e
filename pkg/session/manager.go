package session

import (
	"context"
	"sync"
	"time"

	"github.com/galenhealth/mortar/pkg/identity"
	"github.com/galenhealth/mortar/pkg/observability"
)

// ProviderFactory creates a fresh identity provider instance for one
// principal. Provider instances hold per-principal token state and
// must not be shared across stores.
type ProviderFactory func(ctx context.Context) (identity.Provider, error)

// Manager is the registry of live per-principal stores the gateway
// works through. Stores are created on demand and disposed on logout
// or shutdown.
type Manager struct {
	factory   ProviderFactory
	directory Directory
	cache     *TieredCache
	logger    *observability.Logger
	metrics   *observability.Metrics

	mu            sync.Mutex
	stores        map[string]*Store
	safetyTimeout time.Duration
}

// NewManager creates an empty registry.
func NewManager(factory ProviderFactory, dir Directory, cache *TieredCache, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		factory:       factory,
		directory:     dir,
		cache:         cache,
		logger:        logger.WithComponent("session-manager"),
		metrics:       metrics,
		stores:        make(map[string]*Store),
		safetyTimeout: DefaultSafetyTimeout,
	}
}

// SetSafetyTimeout overrides the loading-state bound applied to stores
// created after the call.
func (m *Manager) SetSafetyTimeout(d time.Duration) {
	if d > 0 {
		m.safetyTimeout = d
	}
}

// Acquire returns the live store for principal, creating and
// initializing one on first use.
func (m *Manager) Acquire(ctx context.Context, principal string) (*Store, error) {
	m.mu.Lock()
	if store, ok := m.stores[principal]; ok {
		m.mu.Unlock()
		return store, nil
	}
	m.mu.Unlock()

	// Provider construction can hit the network; do it outside the lock.
	provider, err := m.factory(ctx)
	if err != nil {
		return nil, err
	}

	key := CacheKey(principal)
	resolver := NewResolver(provider, m.directory, m.cache, m.logger, m.metrics)
	store := NewStore(key, resolver, m.cache, provider, m.logger, m.metrics)
	store.safetyTimeout = m.safetyTimeout

	m.mu.Lock()
	if existing, ok := m.stores[principal]; ok {
		// Lost the race; the winner's store is the live one
		m.mu.Unlock()
		store.Dispose()
		return existing, nil
	}
	m.stores[principal] = store
	m.mu.Unlock()

	store.Init(ctx)
	return store, nil
}

// Lookup returns the live store for principal without creating one.
func (m *Manager) Lookup(principal string) (*Store, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	store, ok := m.stores[principal]
	return store, ok
}

// Release disposes and forgets the principal's store. Releasing an
// unknown principal is a no-op.
func (m *Manager) Release(principal string) {
	m.mu.Lock()
	store, ok := m.stores[principal]
	delete(m.stores, principal)
	m.mu.Unlock()

	if ok {
		store.Dispose()
	}
}

// Count reports the number of live stores.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stores)
}

// DisposeAll tears down every live store, for shutdown.
func (m *Manager) DisposeAll() {
	m.mu.Lock()
	stores := make([]*Store, 0, len(m.stores))
	for _, store := range m.stores {
		stores = append(stores, store)
	}
	m.stores = make(map[string]*Store)
	m.mu.Unlock()

	for _, store := range stores {
		store.Dispose()
	}
}
