// Package audit keeps the session-event audit trail.
//
// Every security-relevant transition in the console's session lifecycle
// lands here: logins and their failures, logouts (voluntary and
// forced), auto-provisioned accounts, rejected inactive accounts,
// denied permission checks, and degraded sessions. The trail is
// append-only with a retention sweep; Cleanup runs on a schedule from
// cmd/mortar.
//
// Recording is best-effort by contract: callers log a failed write and
// move on. An audit outage must never block a login or a logout.
package audit
