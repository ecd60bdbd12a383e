// Package gateway is the HTTP surface the pharmacy console calls. It
// owns the session lifecycle endpoints (login, logout, forced logout,
// state snapshot), the dashboard routing endpoint, and the permission
// guard middleware that fronts protected resources.
//
// The gateway holds no session logic of its own: it translates HTTP
// into calls on the per-principal session stores managed by
// pkg/session and renders their published state into responses the
// console can act on. The dashboard endpoint is the one place with
// presentation concerns: it turns the store's state machine into the
// console's waiting states, carrying elapsed-time feedback and
// escalating hints while a resolution is in flight.
//
// Login is the only rate-limited route. The limiter is a per-IP token
// bucket held in memory; a single gateway instance fronts one console,
// so distributed limiting buys nothing here.
//
// Security-relevant outcomes (logins, failed logins, logouts,
// permission denials) are recorded in the audit trail. Recording is
// strictly best-effort: a broken audit store never fails a request.
package gateway
