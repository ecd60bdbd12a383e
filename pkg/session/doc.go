// Package session owns session resolution, caching, and the
// per-principal session state machine for the pharmacy console.
//
// # Overview
//
// A Session joins three sources of truth: the identity provider (who
// this is), the pharmacy directory (their account, role, and tenant),
// and the grant set (what they may do). This package assembles and
// caches that view and publishes it through a small state machine.
//
// # Architecture
//
// Four pieces, layered bottom-up:
//
//  1. TieredCache: in-process LRU over redis, 5-minute TTL. A fresh
//     entry skips resolution entirely; a corrupt or stale entry reads
//     as a miss and is cleared from both tiers.
//  2. Resolver: the resolution pipeline. Provider-session check,
//     directory lookup with bounded auto-provisioning (one provision,
//     one re-lookup), permission fetch that degrades to an empty
//     grant set instead of failing, assembly, cache write. The cache
//     write happens before the result is returned, so the publish
//     that follows always observes the entry.
//  3. Store: the state machine. idle, loading, then authenticated,
//     unauthenticated, or error. An 8-second safety timeout bounds
//     the visible loading state without cancelling the work; a late
//     completion still lands if the store is live. An atomic guard
//     makes overlapping triggers a no-op, so each burst costs one
//     directory round trip. Dispose gates out stale completions.
//  4. Manager: the registry the gateway works through, one store per
//     principal, created on demand and disposed on logout.
//
// # Failure Policy
//
// Failures are ranked, not uniform. An inactive account is fatal and
// revokes the provider session. A missing account triggers exactly one
// auto-provision attempt. A failed permission fetch produces a
// degraded session that denies everything non-owner. Cache failures
// are logged and absorbed. ForceLogout succeeds no matter what.
//
// # Related Packages
//
//   - pkg/rbac: the pure permission evaluator and role catalogue
//   - pkg/identity: the identity provider boundary
//   - pkg/directory: the pharmacy directory client
package session
