package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/galenhealth/mortar/pkg/identity"
	"github.com/galenhealth/mortar/pkg/observability"
	"github.com/galenhealth/mortar/pkg/rbac"
)

// DefaultSafetyTimeout bounds how long the published state may report
// loading. The underlying resolution keeps running past it.
const DefaultSafetyTimeout = 8 * time.Second

// ErrStoreDisposed is returned by operations on a disposed store.
var ErrStoreDisposed = errors.New("session store disposed")

// ErrResolutionInFlight is returned by Login when a resolution is
// already running for this principal.
var ErrResolutionInFlight = errors.New("session resolution already in progress")

// State is the published snapshot of one principal's session machine.
type State struct {
	Loading       bool     `json:"loading"`
	Authenticated bool     `json:"authenticated"`
	Session       *Session `json:"session,omitempty"`
	LastError     string   `json:"last_error,omitempty"`
}

// Store is the per-principal session state machine. It owns one cache
// key, listens to the identity provider, and publishes State
// transitions to subscribers. A Store does nothing until Init and
// nothing after Dispose.
type Store struct {
	key      string
	resolver *Resolver
	cache    *TieredCache
	provider identity.Provider
	logger   *observability.Logger
	metrics  *observability.Metrics

	safetyTimeout time.Duration

	mu          sync.RWMutex
	state       State
	subscribers map[int]func(State)
	nextSub     int

	live      atomic.Bool
	resolving atomic.Bool

	unsubscribe func()
	initOnce    sync.Once
	disposeOnce sync.Once
}

// NewStore creates a store for the principal cached under key. Call
// Init before use.
func NewStore(key string, resolver *Resolver, cache *TieredCache, provider identity.Provider, logger *observability.Logger, metrics *observability.Metrics) *Store {
	return &Store{
		key:           key,
		resolver:      resolver,
		cache:         cache,
		provider:      provider,
		logger:        logger.WithComponent("session-store").WithField("session_key", key),
		metrics:       metrics,
		safetyTimeout: DefaultSafetyTimeout,
		subscribers:   make(map[int]func(State)),
	}
}

// Init brings the store live: subscribes to provider events, restores
// a cached session if one is fresh, and otherwise kicks off a
// resolution. Init is idempotent.
func (s *Store) Init(ctx context.Context) {
	s.initOnce.Do(func() {
		s.live.Store(true)
		s.metrics.LiveStores.Inc()
		s.unsubscribe = s.provider.Subscribe(s.onProviderEvent)

		if cached := s.cache.Read(ctx, s.key); cached != nil {
			s.publish(State{Authenticated: true, Session: cached})
			return
		}
		s.Refresh()
	})
}

// Dispose takes the store permanently out of service. Stale
// resolution completions after Dispose never mutate published state.
func (s *Store) Dispose() {
	s.disposeOnce.Do(func() {
		// A store that never went live has nothing to tear down
		if !s.live.CompareAndSwap(true, false) {
			return
		}
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.metrics.LiveStores.Dec()
	})
}

// Snapshot returns the current published state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe registers a state listener and returns an unsubscribe
// function. Listeners run synchronously on the publishing goroutine.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// Refresh triggers an asynchronous resolution. While one is in flight
// a second trigger is a no-op; it is not queued and not run in
// parallel, so each burst of triggers costs one directory round trip.
func (s *Store) Refresh() {
	if !s.live.Load() {
		return
	}
	if !s.resolving.CompareAndSwap(false, true) {
		return
	}

	s.publish(State{Loading: true})

	go func() {
		defer s.resolving.Store(false)
		defer observability.RecoverPanic(s.logger, "session-refresh")

		var (
			session *Session
			err     error
			done    = make(chan struct{})
		)
		go func() {
			defer close(done)
			// Detached context: the safety timeout bounds the visible
			// loading state, never the work itself.
			session, err = s.resolver.Resolve(context.Background(), s.key)
		}()

		timer := time.NewTimer(s.safetyTimeout)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			s.metrics.SafetyTimeouts.Inc()
			s.logger.Warn("Safety timeout reached, exiting loading state")
			s.publish(State{LastError: "still signing you in, this is taking longer than usual"})
			<-done
		}

		s.publishResolution(session, err)
	}()
}

// Login authenticates with credentials and resolves the full session.
// A resolver failure after a successful credential check degrades to a
// minimal provider-only session rather than failing the login; an
// inactive account fails the login outright with the provider sign-in
// rolled back.
func (s *Store) Login(ctx context.Context, email, secret string) error {
	if !s.live.Load() {
		return ErrStoreDisposed
	}
	if !s.resolving.CompareAndSwap(false, true) {
		return ErrResolutionInFlight
	}
	defer s.resolving.Store(false)

	s.cache.Invalidate(ctx, s.key)
	s.publish(State{Loading: true})

	providerSession, err := s.provider.SignInWithPassword(ctx, email, secret)
	if err != nil {
		outcome := "error"
		if errors.Is(err, identity.ErrInvalidCredentials) {
			outcome = "invalid_credentials"
		}
		s.metrics.LoginsTotal.WithLabelValues(outcome).Inc()
		s.publish(State{LastError: err.Error()})
		return err
	}

	session, rerr := s.resolver.Resolve(ctx, s.key)
	if rerr != nil {
		if errors.Is(rerr, ErrAccountInactive) {
			// Resolver has already revoked the provider session.
			s.metrics.LoginsTotal.WithLabelValues("inactive").Inc()
			s.publish(State{LastError: rerr.Error()})
			return rerr
		}

		// Credentials were good; do not strand the principal on a
		// directory hiccup. Publish the minimal session, loudly.
		s.metrics.LoginsTotal.WithLabelValues("degraded").Inc()
		s.logger.WithError(rerr).Warn("Resolution failed after sign-in, publishing degraded session")
		minimal := minimalSession(providerSession, rerr)
		s.publish(State{Authenticated: true, Session: minimal})
		return nil
	}
	if session == nil {
		// Provider session vanished between sign-in and resolution
		s.metrics.LoginsTotal.WithLabelValues("error").Inc()
		s.publish(State{LastError: "sign-in did not produce a session, try again"})
		return ErrResolverInternal
	}

	s.metrics.LoginsTotal.WithLabelValues("success").Inc()
	s.publish(State{Authenticated: true, Session: session})
	return nil
}

// Logout signs the principal out and clears all session-scoped state.
// Calling it when already signed out is a harmless no-op that still
// converges on the same unauthenticated, cache-empty end state.
func (s *Store) Logout(ctx context.Context) error {
	s.cache.Invalidate(ctx, s.key)
	err := s.provider.SignOut(ctx)
	s.publish(State{})
	if err != nil {
		s.logger.WithError(err).Warn("Provider sign-out failed during logout")
		return err
	}
	return nil
}

// ForceLogout is the last-resort escape hatch: it clears everything
// unconditionally, keeps going past any failure, and never returns an
// error.
func (s *Store) ForceLogout(ctx context.Context) {
	defer observability.RecoverPanic(s.logger, "force-logout")

	s.cache.Invalidate(ctx, s.key)
	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.WithError(err).Warn("Provider sign-out failed during forced logout")
	}
	s.publish(State{})
}

// Failures reports the principal's consecutive failed resolutions.
func (s *Store) Failures(ctx context.Context) int64 {
	return s.cache.Failures(ctx, s.key)
}

func (s *Store) onProviderEvent(event identity.Event, _ *identity.ProviderSession) {
	if !s.live.Load() {
		return
	}

	switch event {
	case identity.EventSignedOut:
		// External expiry: no local Logout call happened, clean up here
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.cache.Invalidate(ctx, s.key)
		s.publish(State{})

	case identity.EventSignedIn, identity.EventTokenRefreshed:
		s.Refresh()
	}
}

func (s *Store) publishResolution(session *Session, err error) {
	switch {
	case err != nil:
		s.publish(State{LastError: err.Error()})
	case session != nil:
		s.publish(State{Authenticated: true, Session: session})
	default:
		s.publish(State{})
	}
}

// publish replaces the published state and notifies subscribers. A
// disposed store drops the update; that is the liveness gate that
// keeps stale completions from resurfacing.
func (s *Store) publish(state State) {
	if !s.live.Load() {
		return
	}

	s.mu.Lock()
	s.state = state
	fns := make([]func(State), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// minimalSession builds the provider-only fallback published when
// resolution fails after a good credential check.
func minimalSession(providerSession *identity.ProviderSession, cause error) *Session {
	return &Session{
		User: User{
			ExternalID:  providerSession.UserID,
			Email:       providerSession.Email,
			DisplayName: providerSession.DisplayName,
			Active:      true,
		},
		Grants:         []rbac.Grant{},
		Degraded:       true,
		DegradedReason: cause.Error(),
	}
}
