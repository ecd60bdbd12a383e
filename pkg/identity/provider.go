package identity

import (
	"context"
	"sync"
)

// Provider defines the interface for identity providers.
type Provider interface {
	// CurrentSession returns the live authentication record for the
	// principal, or ErrNoSession when none exists.
	CurrentSession(ctx context.Context) (*ProviderSession, error)

	// SignInWithPassword authenticates with email and password and
	// establishes a provider session.
	SignInWithPassword(ctx context.Context, email, password string) (*ProviderSession, error)

	// SignOut terminates the provider session.
	SignOut(ctx context.Context) error

	// Subscribe registers a listener for authentication events. The
	// returned function removes the listener; calling it more than
	// once is harmless.
	Subscribe(fn ListenerFunc) (unsubscribe func())
}

// ListenerFunc receives authentication events. The session may be nil
// for EventSignedOut.
type ListenerFunc func(event Event, session *ProviderSession)

// listenerSet is the subscription bookkeeping shared by provider
// implementations. The zero value is ready to use.
type listenerSet struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]ListenerFunc
}

func (s *listenerSet) add(fn ListenerFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners == nil {
		s.listeners = make(map[int]ListenerFunc)
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.listeners, id)
		})
	}
}

// publish invokes every listener synchronously, in the caller's
// goroutine. Listeners are snapshotted first so an unsubscribe from
// within a callback does not deadlock.
func (s *listenerSet) publish(event Event, session *ProviderSession) {
	s.mu.Lock()
	fns := make([]ListenerFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(event, session)
	}
}
