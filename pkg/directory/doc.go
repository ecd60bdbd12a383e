// Package directory is the client for the pharmacy directory, the
// tenant-side system of record for console accounts.
//
// # Overview
//
// The directory exposes its contract as stored procedures, not tables.
// This package calls four of them:
//
//	get_logged_user_data(external_id)  account lookup by identity subject
//	create_user_auto(email, name, id)  first-login auto-provisioning
//	get_user_permissions(account_id)   grant records for evaluation
//	update_last_access(account_id)     activity timestamp bump
//
// # Error Classification
//
// Every failure is decoded exactly once, here, into an *Error carrying
// an ErrorKind. Callers branch with IsInactive, IsNotFound, and
// IsProvisionFailed rather than inspecting SQL state. An inactive
// account and a missing account are different outcomes with different
// consequences upstream: one forces a sign-out, the other triggers
// provisioning.
package directory
