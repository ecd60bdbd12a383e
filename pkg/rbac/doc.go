// Package rbac implements the permission model for the pharmacy console.
//
// # Overview
//
// Access is expressed as grants: (module, action, access-level) triples with
// an allow flag. Grants belong to a role profile (Owner, Pharmacist,
// Attendant, Compounder, Custom); each profile also designates the dashboard
// a user of that role lands on.
//
// # Modules and Actions
//
// Modules enumerate the console's business areas:
//
//	ModulePrescriptions  - prescription intake and review
//	ModuleInventory      - stock and lot tracking
//	ModuleFinancial      - accounts payable
//	ModuleProduction     - compounding/production orders
//	ModuleChatbot        - lead-capture chatbot
//	ModuleReports        - reporting screens
//	ModuleSettings       - tenant settings
//	ModuleUsers          - user administration
//
// Actions are create, read, update, delete, approve, export, administer.
//
// # Access Levels
//
// Levels scope a grant to a slice of records and are totally ordered:
//
//	LevelOwn < LevelTeam < LevelAll
//
// LevelAll is the supremum: a grant at LevelAll satisfies a request at any
// level. A request with an unspecified level is satisfied by a matching grant
// at any level. Otherwise levels must match exactly - holding LevelOwn does
// not satisfy a LevelTeam request.
//
// # Evaluation
//
// HasPermission is a pure, existential check over an explicit grant set:
//
//	ok := rbac.HasPermission(grants, rbac.ModuleInventory, rbac.ActionUpdate, rbac.LevelTeam)
//
// The Owner role bypasses evaluation entirely; that override is applied by
// session.Session.HasPermission, never inside this package, so the evaluator
// remains a total function over its inputs.
//
// # Related Packages
//
//   - pkg/session: resolved sessions carrying a profile and grant set
//   - pkg/gateway: RequirePermission middleware over the evaluator
package rbac
