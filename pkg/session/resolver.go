package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/galenhealth/mortar/pkg/directory"
	"github.com/galenhealth/mortar/pkg/identity"
	"github.com/galenhealth/mortar/pkg/observability"
	"github.com/galenhealth/mortar/pkg/rbac"
)

// Terminal resolution failures. The messages are user-legible; the
// gateway forwards them verbatim.
var (
	// ErrAccountInactive marks a deactivated directory account. The
	// provider session has already been revoked when this is returned.
	ErrAccountInactive = errors.New("account inactive, contact your administrator")

	// ErrProvisioning marks a failed or exhausted auto-provision.
	ErrProvisioning = errors.New("could not set up your account, try again or contact your administrator")

	// ErrUserLookup covers lookup failures that are neither inactive
	// nor missing.
	ErrUserLookup = errors.New("user not found or inactive")

	// ErrResolverInternal is the generic boundary error for panics and
	// other unclassified failures.
	ErrResolverInternal = errors.New("session resolution failed, try again")
)

// Directory is the slice of the directory client the resolver needs.
type Directory interface {
	GetLoggedUserData(ctx context.Context, externalID string) (*directory.Account, error)
	CreateUserAuto(ctx context.Context, email, displayName, externalID string) (*directory.Account, error)
	GetUserPermissions(ctx context.Context, accountID string) ([]rbac.Grant, error)
	UpdateLastAccess(ctx context.Context, accountID string) error
}

// Resolver turns a live identity-provider session into a full Session:
// directory lookup, bounded auto-provisioning, permission fetch,
// cache write. Each step has its own failure policy; nothing escapes
// the Resolve boundary unclassified.
type Resolver struct {
	provider  identity.Provider
	directory Directory
	cache     *TieredCache
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewResolver creates a resolver over its collaborators.
func NewResolver(provider identity.Provider, dir Directory, cache *TieredCache, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		provider:  provider,
		directory: dir,
		cache:     cache,
		logger:    logger.WithComponent("resolver"),
		metrics:   metrics,
	}
}

// Resolve runs the resolution pipeline for the principal cached under
// key. It returns (nil, nil) when no provider session exists, a
// session on success, and a terminal error otherwise. The cache is
// written before Resolve returns, so a publish that follows it always
// observes the entry.
func (r *Resolver) Resolve(ctx context.Context, key string) (session *Session, err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithField("panic", fmt.Sprintf("%v", rec)).Error("Panic during session resolution")
			session, err = nil, ErrResolverInternal
		}
		r.finish(ctx, key, start, session, err)
	}()

	providerSession, perr := r.provider.CurrentSession(ctx)
	if perr != nil {
		if !errors.Is(perr, identity.ErrNoSession) {
			r.logger.WithError(perr).Warn("Provider session check failed, treating as signed out")
		}
		r.step("provider_session", "none")
		r.cache.Invalidate(ctx, key)
		return nil, nil
	}
	r.step("provider_session", "ok")

	account, err := r.lookupAccount(ctx, key, providerSession)
	if err != nil {
		return nil, err
	}

	grants, gerr := r.directory.GetUserPermissions(ctx, account.ID)
	degraded := false
	if gerr != nil {
		// Deny-by-default is safe; a broken permission fetch must not
		// lock the principal out entirely.
		r.step("permissions", "degraded")
		r.logger.WithError(gerr).WithField("account_id", account.ID).
			Warn("Permission fetch failed, continuing with empty grant set")
		grants = []rbac.Grant{}
		degraded = true
	} else {
		r.step("permissions", "ok")
	}

	session = r.assemble(providerSession, account, grants, degraded)
	r.cache.Write(ctx, key, session)

	go func() {
		defer observability.RecoverPanic(r.logger, "update_last_access")
		// Deliberately detached from the request context; the bump
		// must not be cut short by the safety timeout.
		bctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.directory.UpdateLastAccess(bctx, account.ID); err != nil {
			r.logger.WithError(err).WithField("account_id", account.ID).
				Debug("Last-access bump failed")
		}
	}()

	return session, nil
}

// lookupAccount fetches the directory account, auto-provisioning a
// missing one. The loop is bounded: one provision, one re-lookup.
func (r *Resolver) lookupAccount(ctx context.Context, key string, providerSession *identity.ProviderSession) (*directory.Account, error) {
	provisioned := false

	for attempt := 0; attempt < 2; attempt++ {
		account, err := r.directory.GetLoggedUserData(ctx, providerSession.UserID)
		if err == nil {
			r.step("user_lookup", "ok")
			return account, nil
		}

		switch {
		case directory.IsInactive(err):
			// Must never fall through to provisioning: the account
			// exists and was deliberately shut off.
			r.step("user_lookup", "inactive")
			if serr := r.provider.SignOut(ctx); serr != nil {
				r.logger.WithError(serr).Warn("Provider sign-out failed for inactive account")
			}
			r.cache.Invalidate(ctx, key)
			return nil, ErrAccountInactive

		case directory.IsNotFound(err) && !provisioned:
			r.step("user_lookup", "not_found")
			if perr := r.provision(ctx, providerSession); perr != nil {
				return nil, perr
			}
			provisioned = true

		case directory.IsNotFound(err):
			// Provisioned and still missing: something upstream is
			// wrong, do not loop further.
			r.step("user_lookup", "not_found_after_provision")
			return nil, ErrProvisioning

		default:
			r.step("user_lookup", "error")
			r.logger.WithError(err).Error("Directory lookup failed")
			return nil, ErrUserLookup
		}
	}

	return nil, ErrProvisioning
}

func (r *Resolver) provision(ctx context.Context, providerSession *identity.ProviderSession) error {
	name := displayNameFor(providerSession)

	if _, err := r.directory.CreateUserAuto(ctx, providerSession.Email, name, providerSession.UserID); err != nil {
		r.metrics.ProvisionAttemptsTotal.WithLabelValues("error").Inc()
		r.logger.WithError(err).WithField("external_id", providerSession.UserID).
			Error("Auto-provisioning failed")
		return fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	r.metrics.ProvisionAttemptsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (r *Resolver) assemble(providerSession *identity.ProviderSession, account *directory.Account, grants []rbac.Grant, degraded bool) *Session {
	session := &Session{
		User: User{
			ID:          account.ID,
			ExternalID:  account.ExternalID,
			Email:       account.Email,
			DisplayName: account.DisplayName,
			Active:      account.Active,
		},
		Profile: &rbac.Profile{
			Role:        account.Role,
			DisplayName: account.DisplayName,
			Dashboard:   account.Dashboard,
			Grants:      grants,
		},
		Grants: grants,
	}
	if account.TenantID != "" {
		session.Tenant = &Tenant{ID: account.TenantID}
	}
	if degraded {
		session.Degraded = true
		session.DegradedReason = "permission fetch failed, access restricted"
	}
	return session
}

// finish records metrics and the failure counter for one resolution.
func (r *Resolver) finish(ctx context.Context, key string, start time.Time, session *Session, err error) {
	outcome := "unauthenticated"
	switch {
	case err != nil:
		outcome = "error"
		r.cache.RecordFailure(ctx, key)
	case session != nil && session.Degraded:
		outcome = "degraded"
		r.cache.RecordSuccess(ctx, key)
	case session != nil:
		outcome = "authenticated"
		r.cache.RecordSuccess(ctx, key)
	}

	r.metrics.ResolutionsTotal.WithLabelValues(outcome).Inc()
	r.metrics.ResolutionDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (r *Resolver) step(name, outcome string) {
	r.metrics.ResolutionStepsTotal.WithLabelValues(name, outcome).Inc()
}

// displayNameFor picks the provisioning display name: provider full
// name first, then the email local-part.
func displayNameFor(providerSession *identity.ProviderSession) string {
	if providerSession.DisplayName != "" {
		return providerSession.DisplayName
	}
	if at := strings.IndexByte(providerSession.Email, '@'); at > 0 {
		return providerSession.Email[:at]
	}
	return providerSession.Email
}
