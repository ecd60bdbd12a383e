package identity

import (
	"context"
	"sync"
	"time"
)

// FakeProvider is an in-memory Provider for tests. Accounts are keyed
// by email; call counts are exported so tests can assert on traffic.
type FakeProvider struct {
	mu       sync.Mutex
	accounts map[string]fakeAccount
	current  *ProviderSession

	// Errors to inject per call, consumed in order. A nil entry means
	// the call succeeds.
	CurrentSessionErrs []error
	SignInErrs         []error
	SignOutErrs        []error

	CurrentSessionCalls int
	SignInCalls         int
	SignOutCalls        int

	listenerSet
}

type fakeAccount struct {
	password string
	session  ProviderSession
}

// NewFakeProvider creates an empty fake provider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{accounts: make(map[string]fakeAccount)}
}

// AddAccount registers credentials the fake will accept.
func (p *FakeProvider) AddAccount(email, password string, session ProviderSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if session.Email == "" {
		session.Email = email
	}
	if session.ExpiresAt.IsZero() {
		session.ExpiresAt = time.Now().Add(time.Hour)
	}
	p.accounts[email] = fakeAccount{password: password, session: session}
}

// SetCurrent seeds a live provider session directly, bypassing sign-in.
func (p *FakeProvider) SetCurrent(session *ProviderSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = session
}

func (p *FakeProvider) CurrentSession(ctx context.Context) (*ProviderSession, error) {
	p.mu.Lock()
	p.CurrentSessionCalls++
	err := popErr(&p.CurrentSessionErrs)
	current := p.current
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNoSession
	}
	return current, nil
}

func (p *FakeProvider) SignInWithPassword(ctx context.Context, email, password string) (*ProviderSession, error) {
	p.mu.Lock()
	p.SignInCalls++
	err := popErr(&p.SignInErrs)
	account, ok := p.accounts[email]
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok || account.password != password {
		return nil, ErrInvalidCredentials
	}

	session := account.session
	p.mu.Lock()
	p.current = &session
	p.mu.Unlock()

	p.publish(EventSignedIn, &session)
	return &session, nil
}

func (p *FakeProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.SignOutCalls++
	err := popErr(&p.SignOutErrs)
	had := p.current != nil
	if err == nil {
		p.current = nil
	}
	p.mu.Unlock()

	if err != nil {
		return err
	}
	if had {
		p.publish(EventSignedOut, nil)
	}
	return nil
}

func (p *FakeProvider) Subscribe(fn ListenerFunc) func() {
	return p.add(fn)
}

// Emit publishes an event to subscribers as if the provider raised it.
func (p *FakeProvider) Emit(event Event, session *ProviderSession) {
	p.publish(event, session)
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

var _ Provider = (*FakeProvider)(nil)
