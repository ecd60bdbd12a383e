// Package identity integrates the external identity provider that
// authenticates console principals.
//
// # Overview
//
// The identity provider answers exactly one question: who is this
// principal, according to the issuer. It holds the raw authentication
// record (subject, email, tokens) and raises events when that record
// changes. Authorization data lives elsewhere; see pkg/directory for
// the tenant-side account, and pkg/session for the assembled view.
//
// # Provider Sessions
//
// A ProviderSession is per-principal. The OIDC implementation exchanges
// credentials via the resource owner password grant, verifies the ID
// token against the issuer's keys, and refreshes the access token
// transparently inside CurrentSession when it expires.
//
// # Events
//
// Subscribers receive SIGNED_IN, SIGNED_OUT, and TOKEN_REFRESHED.
// Listeners run synchronously in the publishing goroutine; keep them
// short and hand long work to your own goroutine.
//
// # Related Packages
//
//   - pkg/directory: tenant account lookup and provisioning
//   - pkg/session: session resolution and caching
package identity
