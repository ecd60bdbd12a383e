// Package config loads service configuration from MORTAR_* environment
// variables and the optional dashboard-mapping YAML file.
//
// Environment variables cover the HTTP servers, the pharmacy directory
// connection, the redis backup tier, the OIDC identity provider, the
// session cache and safety timeout, and the audit trail. LoadConfig
// validates the result; a service pointed at nothing fails at startup,
// not at first request.
//
// The role-to-dashboard routing table defaults to the built-in
// catalogue and can be overridden per deployment with a small YAML
// file, reloaded live on change:
//
//	dashboards:
//	  pharmacist: clinical
//	  attendant: counter
//	  custom: production
package config
