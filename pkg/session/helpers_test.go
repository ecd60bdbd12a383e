package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/galenhealth/mortar/pkg/directory"
	"github.com/galenhealth/mortar/pkg/identity"
	"github.com/galenhealth/mortar/pkg/observability"
	"github.com/galenhealth/mortar/pkg/rbac"
)

// fakeDirectory is a scripted in-memory directory for resolver and
// store tests. Accounts are keyed by external id, grants by account id.
type fakeDirectory struct {
	mu       sync.Mutex
	accounts map[string]*directory.Account
	grants   map[string][]rbac.Grant
	inactive map[string]bool

	provisionErr      error
	permissionsErr    error
	lookupErr         error
	vanishProvisioned bool

	// lookupGate, when set, blocks lookups until the channel closes.
	lookupGate chan struct{}

	LookupCalls     int
	ProvisionCalls  int
	PermissionCalls int
	LastAccessCalls int

	// lastAccessDone receives the account id of each last-access bump.
	lastAccessDone chan string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		accounts:       make(map[string]*directory.Account),
		grants:         make(map[string][]rbac.Grant),
		inactive:       make(map[string]bool),
		lastAccessDone: make(chan string, 8),
	}
}

func (d *fakeDirectory) addAccount(account *directory.Account, grants []rbac.Grant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[account.ExternalID] = account
	d.grants[account.ID] = grants
}

func (d *fakeDirectory) GetLoggedUserData(ctx context.Context, externalID string) (*directory.Account, error) {
	d.mu.Lock()
	gate := d.lookupGate
	d.LookupCalls++
	err := d.lookupErr
	inactive := d.inactive[externalID]
	account := d.accounts[externalID]
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	if inactive {
		return nil, &directory.Error{Kind: directory.KindInactive, Op: "get_logged_user_data"}
	}
	if account == nil {
		return nil, &directory.Error{Kind: directory.KindNotFound, Op: "get_logged_user_data"}
	}
	copied := *account
	return &copied, nil
}

func (d *fakeDirectory) CreateUserAuto(ctx context.Context, email, displayName, externalID string) (*directory.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ProvisionCalls++
	if d.provisionErr != nil {
		return nil, d.provisionErr
	}

	account := &directory.Account{
		ID:          "acc-" + externalID,
		ExternalID:  externalID,
		Email:       email,
		DisplayName: displayName,
		TenantID:    "tenant-1",
		Role:        rbac.RoleAttendant,
		Dashboard:   rbac.DashboardCounter,
		Active:      true,
		CreatedAt:   time.Now(),
	}
	if !d.vanishProvisioned {
		d.accounts[externalID] = account
	}
	return account, nil
}

func (d *fakeDirectory) GetUserPermissions(ctx context.Context, accountID string) ([]rbac.Grant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.PermissionCalls++
	if d.permissionsErr != nil {
		return nil, d.permissionsErr
	}
	grants := d.grants[accountID]
	if grants == nil {
		grants = []rbac.Grant{}
	}
	return grants, nil
}

func (d *fakeDirectory) UpdateLastAccess(ctx context.Context, accountID string) error {
	d.mu.Lock()
	d.LastAccessCalls++
	done := d.lastAccessDone
	d.mu.Unlock()

	select {
	case done <- accountID:
	default:
	}
	return nil
}

func (d *fakeDirectory) waitLastAccess(t *testing.T) string {
	t.Helper()
	select {
	case id := <-d.lastAccessDone:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for last-access bump")
		return ""
	}
}

// testEnv wires a full in-memory session stack: miniredis-backed
// tiered cache, fake identity provider, fake directory.
type testEnv struct {
	redis    *miniredis.Miniredis
	cache    *TieredCache
	provider *identity.FakeProvider
	dir      *fakeDirectory
	resolver *Resolver
	key      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics, _ := observability.DefaultMetrics()

	backup := NewRedisTier(client)
	cache := NewTieredCache(NewMemoryTier(64, DefaultTTL), backup, backup, DefaultTTL, logger, metrics)

	provider := identity.NewFakeProvider()
	dir := newFakeDirectory()

	return &testEnv{
		redis:    mr,
		cache:    cache,
		provider: provider,
		dir:      dir,
		resolver: NewResolver(provider, dir, cache, logger, metrics),
		key:      CacheKey("ext-ana"),
	}
}

// seedSignedIn puts a live provider session and a matching directory
// account in place, the steady state of a returning principal.
func (e *testEnv) seedSignedIn(t *testing.T, grants []rbac.Grant) *directory.Account {
	t.Helper()

	e.provider.SetCurrent(&identity.ProviderSession{
		UserID:      "ext-ana",
		Email:       "ana@botica.example",
		DisplayName: "Ana Silva",
		ExpiresAt:   time.Now().Add(time.Hour),
	})

	account := &directory.Account{
		ID:          "acc-1",
		ExternalID:  "ext-ana",
		Email:       "ana@botica.example",
		DisplayName: "Ana Silva",
		TenantID:    "tenant-1",
		Role:        rbac.RolePharmacist,
		Dashboard:   rbac.DashboardClinical,
		Active:      true,
	}
	e.dir.addAccount(account, grants)
	return account
}

func (e *testEnv) newStore(t *testing.T) *Store {
	t.Helper()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics, _ := observability.DefaultMetrics()
	store := NewStore(e.key, e.resolver, e.cache, e.provider, logger, metrics)
	t.Cleanup(store.Dispose)
	return store
}

// waitFor polls until the predicate holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, predicate func() bool, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if predicate() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(message)
}
