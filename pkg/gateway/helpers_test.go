package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/galenhealth/mortar/pkg/audit"
	"github.com/galenhealth/mortar/pkg/config"
	"github.com/galenhealth/mortar/pkg/directory"
	"github.com/galenhealth/mortar/pkg/identity"
	"github.com/galenhealth/mortar/pkg/observability"
	"github.com/galenhealth/mortar/pkg/rbac"
	"github.com/galenhealth/mortar/pkg/session"
)

const testPrincipal = "ext-ana"

// stubDirectory is a scripted directory for gateway tests. It covers
// the happy paths plus the failure switches the handlers care about.
type stubDirectory struct {
	mu       sync.Mutex
	accounts map[string]*directory.Account
	grants   map[string][]rbac.Grant
	inactive map[string]bool

	lookupErr error

	// lookupGate, when set, blocks lookups until the channel closes.
	lookupGate chan struct{}

	LookupCalls int
}

func newStubDirectory() *stubDirectory {
	return &stubDirectory{
		accounts: make(map[string]*directory.Account),
		grants:   make(map[string][]rbac.Grant),
		inactive: make(map[string]bool),
	}
}

func (d *stubDirectory) addAccount(account *directory.Account, grants []rbac.Grant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[account.ExternalID] = account
	d.grants[account.ID] = grants
}

func (d *stubDirectory) GetLoggedUserData(ctx context.Context, externalID string) (*directory.Account, error) {
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

func (d *stubDirectory) CreateUserAuto(ctx context.Context, email, displayName, externalID string) (*directory.Account, error) {
	account := &directory.Account{
		ID:          "acc-" + externalID,
		ExternalID:  externalID,
		Email:       email,
		DisplayName: displayName,
		TenantID:    "tenant-1",
		Role:        rbac.RoleAttendant,
		Dashboard:   rbac.DashboardCounter,
		Active:      true,
	}
	d.mu.Lock()
	d.accounts[externalID] = account
	d.mu.Unlock()
	return account, nil
}

func (d *stubDirectory) GetUserPermissions(ctx context.Context, accountID string) ([]rbac.Grant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	grants := d.grants[accountID]
	if grants == nil {
		grants = []rbac.Grant{}
	}
	return grants, nil
}

func (d *stubDirectory) UpdateLastAccess(ctx context.Context, accountID string) error {
	return nil
}

// gatewayEnv wires a full in-memory gateway: miniredis-backed cache,
// fake identity provider, stub directory, real manager and server.
type gatewayEnv struct {
	redis    *miniredis.Miniredis
	cache    *session.TieredCache
	provider *identity.FakeProvider
	dir      *stubDirectory
	manager  *session.Manager
	server   *Server
	handler  http.Handler
}

func newGatewayEnv(t *testing.T, trail *audit.Trail) *gatewayEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics, _ := observability.DefaultMetrics()

	backup := session.NewRedisTier(client)
	cache := session.NewTieredCache(session.NewMemoryTier(64, session.DefaultTTL), backup, backup, session.DefaultTTL, logger, metrics)

	provider := identity.NewFakeProvider()
	dir := newStubDirectory()

	factory := func(ctx context.Context) (identity.Provider, error) {
		return provider, nil
	}
	manager := session.NewManager(factory, dir, cache, logger, metrics)
	t.Cleanup(manager.DisposeAll)

	dashboards, err := config.LoadDashboardMapping("", logger)
	if err != nil {
		t.Fatalf("LoadDashboardMapping failed: %v", err)
	}

	server := NewServer(manager, dashboards, trail, logger, metrics)
	server.loginRetry = 500 * time.Millisecond

	return &gatewayEnv{
		redis:    mr,
		cache:    cache,
		provider: provider,
		dir:      dir,
		manager:  manager,
		server:   server,
		handler:  server.Handler(),
	}
}

// seedAccounts registers matching provider credentials and a directory
// account for the test principal.
func (e *gatewayEnv) seedAccounts(t *testing.T, grants []rbac.Grant) *directory.Account {
	t.Helper()

	e.provider.AddAccount("ana@botica.example", "s3cret", identity.ProviderSession{
		UserID:      testPrincipal,
		Email:       "ana@botica.example",
		DisplayName: "Ana Silva",
	})

	account := &directory.Account{
		ID:          "acc-1",
		ExternalID:  testPrincipal,
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

// do runs one request through the full middleware chain.
func (e *gatewayEnv) do(method, path, principal, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	req.RemoteAddr = "203.0.113.7:51234"

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// login signs the test principal in and fails the test on anything but
// a 200.
func (e *gatewayEnv) login(t *testing.T) {
	t.Helper()

	rec := e.do("POST", "/api/v1/session/login", testPrincipal,
		`{"email":"ana@botica.example","password":"s3cret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Login returned %d: %s", rec.Code, rec.Body.String())
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
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
