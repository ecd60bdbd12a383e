package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/galenhealth/mortar/pkg/directory"
	"github.com/galenhealth/mortar/pkg/identity"
	"github.com/galenhealth/mortar/pkg/rbac"
)

// seedAccounts registers matching provider credentials and a directory
// account without signing the principal in.
func seedAccounts(env *testEnv) {
	env.provider.AddAccount("ana@botica.example", "s3cret", identity.ProviderSession{
		UserID:      "ext-ana",
		DisplayName: "Ana Silva",
	})
	env.dir.addAccount(&directory.Account{
		ID:          "acc-1",
		ExternalID:  "ext-ana",
		Email:       "ana@botica.example",
		DisplayName: "Ana Silva",
		TenantID:    "tenant-1",
		Role:        rbac.RolePharmacist,
		Dashboard:   rbac.DashboardClinical,
		Active:      true,
	}, []rbac.Grant{
		{Module: rbac.ModuleInventory, Action: rbac.ActionRead, Level: rbac.LevelAll, Allowed: true},
	})
}

func settle(t *testing.T, store *Store) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool { return !store.Snapshot().Loading }, "Store never left loading")
}

func TestStoreInit_RestoresFromCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.cache.Write(ctx, env.key, testSession())

	store := env.newStore(t)
	store.Init(ctx)

	state := store.Snapshot()
	if !state.Authenticated || state.Session == nil {
		t.Fatal("Expected immediate authenticated state from cache")
	}
	if state.Session.User.ID != "acc-1" {
		t.Errorf("Expected cached user, got %s", state.Session.User.ID)
	}
	if env.dir.LookupCalls != 0 {
		t.Errorf("Expected a fresh cache entry to bypass resolution, got %d lookups", env.dir.LookupCalls)
	}
}

func TestStoreInit_ResolvesOnCacheMiss(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignedIn(t, nil)

	store := env.newStore(t)
	store.Init(context.Background())
	settle(t, store)

	state := store.Snapshot()
	if !state.Authenticated {
		t.Fatalf("Expected authenticated state, got %+v", state)
	}
	if env.dir.LookupCalls != 1 {
		t.Errorf("Expected one lookup, got %d", env.dir.LookupCalls)
	}
}

func TestStoreLogin_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedAccounts(env)

	store := env.newStore(t)
	store.Init(ctx)
	settle(t, store)

	if err := store.Login(ctx, "ana@botica.example", "s3cret"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	state := store.Snapshot()
	if !state.Authenticated || state.Session == nil {
		t.Fatal("Expected authenticated state after login")
	}
	if state.Session.Degraded {
		t.Error("Expected a clean session")
	}
	if got := env.cache.Read(ctx, env.key); got == nil {
		t.Error("Expected the session to be cached after login")
	}
}

func TestStoreLogin_InvalidCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedAccounts(env)

	store := env.newStore(t)
	store.Init(ctx)
	settle(t, store)

	err := store.Login(ctx, "ana@botica.example", "wrong")
	if !errors.Is(err, identity.ErrInvalidCredentials) {
		t.Fatalf("Expected ErrInvalidCredentials, got %v", err)
	}

	state := store.Snapshot()
	if state.Authenticated || state.Session != nil {
		t.Error("Expected unauthenticated state after rejected login")
	}
	if state.LastError == "" {
		t.Error("Expected the failure to be surfaced in LastError")
	}
}

func TestStoreLogin_InactiveAccountRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedAccounts(env)
	env.dir.inactive["ext-ana"] = true

	store := env.newStore(t)
	store.Init(ctx)
	settle(t, store)

	err := store.Login(ctx, "ana@botica.example", "s3cret")
	if !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("Expected ErrAccountInactive, got %v", err)
	}

	if state := store.Snapshot(); state.Authenticated {
		t.Error("Expected unauthenticated state for an inactive account")
	}
	if _, perr := env.provider.CurrentSession(ctx); !errors.Is(perr, identity.ErrNoSession) {
		t.Error("Expected the provider sign-in to be rolled back")
	}
	if got := env.cache.Read(ctx, env.key); got != nil {
		t.Error("Expected nothing cached for an inactive account")
	}
}

func TestStoreLogin_DegradedFallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedAccounts(env)
	env.dir.lookupErr = &directory.Error{Kind: directory.KindTransport, Op: "get_logged_user_data"}

	store := env.newStore(t)
	store.Init(ctx)
	settle(t, store)

	if err := store.Login(ctx, "ana@botica.example", "s3cret"); err != nil {
		t.Fatalf("Expected degraded fallback, not a failed login: %v", err)
	}

	state := store.Snapshot()
	if !state.Authenticated || state.Session == nil {
		t.Fatal("Expected an authenticated degraded state")
	}
	if !state.Session.Degraded {
		t.Error("Expected the session to be marked degraded")
	}
	if state.Session.User.Email != "ana@botica.example" {
		t.Errorf("Expected provider identity fields, got %+v", state.Session.User)
	}
	if state.Session.HasPermission(rbac.ModuleInventory, rbac.ActionRead, rbac.LevelOwn) {
		t.Error("Degraded session must carry no permissions")
	}
}

func TestStoreLogout_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedAccounts(env)

	store := env.newStore(t)
	store.Init(ctx)
	settle(t, store)

	if err := store.Login(ctx, "ana@botica.example", "s3cret"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := store.Logout(ctx); err != nil {
		t.Fatalf("First logout failed: %v", err)
	}
	if err := store.Logout(ctx); err != nil {
		t.Fatalf("Second logout must be a harmless no-op, got %v", err)
	}

	state := store.Snapshot()
	if state.Authenticated || state.Session != nil || state.Loading {
		t.Errorf("Expected converged unauthenticated state, got %+v", state)
	}
	if got := env.cache.Read(ctx, env.key); got != nil {
		t.Error("Expected empty cache after logout")
	}
}

func TestStoreForceLogout_NeverFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seedAccounts(env)

	store := env.newStore(t)
	store.Init(ctx)
	settle(t, store)

	if err := store.Login(ctx, "ana@botica.example", "s3cret"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	env.provider.SignOutErrs = []error{errors.New("provider unreachable")}
	store.ForceLogout(ctx)

	state := store.Snapshot()
	if state.Authenticated || state.Session != nil {
		t.Error("Expected forced logout to clear state despite provider failure")
	}
	if got := env.cache.Read(ctx, env.key); got != nil {
		t.Error("Expected forced logout to empty the cache")
	}
}

func TestStoreRefresh_ReentrancyGuard(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignedIn(t, nil)

	gate := make(chan struct{})
	env.dir.lookupGate = gate

	store := env.newStore(t)
	store.Init(context.Background())

	// Resolution is parked inside the directory lookup; further
	// triggers must be dropped, not queued
	store.Refresh()
	store.Refresh()
	store.Refresh()

	close(gate)
	settle(t, store)

	if env.dir.LookupCalls != 1 {
		t.Fatalf("Expected exactly one directory round trip, got %d", env.dir.LookupCalls)
	}
	if !store.Snapshot().Authenticated {
		t.Error("Expected the single resolution to complete normally")
	}
}

func TestStoreSafetyTimeout_ExitsLoadingThenAppliesLateResult(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignedIn(t, nil)

	gate := make(chan struct{})
	env.dir.lookupGate = gate

	store := env.newStore(t)
	store.safetyTimeout = 50 * time.Millisecond
	store.Init(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		state := store.Snapshot()
		return !state.Loading && state.LastError != ""
	}, "Safety timeout never fired")

	state := store.Snapshot()
	if state.Authenticated || state.Session != nil {
		t.Fatal("Timeout must not fabricate a session")
	}

	// The work was never cancelled; a late completion still lands
	close(gate)
	waitFor(t, 2*time.Second, func() bool { return store.Snapshot().Authenticated },
		"Late resolution never updated the live store")
}

func TestStoreDispose_GatesOutLateCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignedIn(t, nil)

	gate := make(chan struct{})
	env.dir.lookupGate = gate

	store := env.newStore(t)
	store.Init(context.Background())
	store.Dispose()

	close(gate)
	time.Sleep(100 * time.Millisecond)

	if state := store.Snapshot(); state.Authenticated {
		t.Error("Disposed store must not apply a stale completion")
	}
}

func TestStoreProviderEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedSignedIn(t, nil)

	store := env.newStore(t)
	store.Init(ctx)
	settle(t, store)
	if !store.Snapshot().Authenticated {
		t.Fatal("Expected authenticated state before events")
	}

	// External expiry: no local Logout call, the event does the cleanup
	env.provider.Emit(identity.EventSignedOut, nil)
	waitFor(t, 2*time.Second, func() bool { return !store.Snapshot().Authenticated },
		"SIGNED_OUT event never cleared the state")
	if got := env.cache.Read(ctx, env.key); got != nil {
		t.Error("Expected the cache cleared on external sign-out")
	}

	// Token refresh re-runs resolution
	before := env.dir.LookupCalls
	env.provider.Emit(identity.EventTokenRefreshed, nil)
	waitFor(t, 2*time.Second, func() bool { return env.dir.LookupCalls > before },
		"TOKEN_REFRESHED event never triggered a resolution")
	settle(t, store)
	if !store.Snapshot().Authenticated {
		t.Error("Expected re-resolution to restore the session")
	}
}

func TestStoreLogin_WhileResolutionInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignedIn(t, nil)
	seedAccounts(env)

	gate := make(chan struct{})
	env.dir.lookupGate = gate

	store := env.newStore(t)
	store.Init(context.Background())

	err := store.Login(context.Background(), "ana@botica.example", "s3cret")
	if !errors.Is(err, ErrResolutionInFlight) {
		t.Fatalf("Expected ErrResolutionInFlight, got %v", err)
	}

	close(gate)
	settle(t, store)
}

func TestStoreLogin_AfterDispose(t *testing.T) {
	env := newTestEnv(t)
	store := env.newStore(t)
	store.Init(context.Background())
	settle(t, store)
	store.Dispose()

	if err := store.Login(context.Background(), "ana@botica.example", "s3cret"); !errors.Is(err, ErrStoreDisposed) {
		t.Fatalf("Expected ErrStoreDisposed, got %v", err)
	}
}
