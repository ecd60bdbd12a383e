package rbac

import (
	"time"
)

// Module represents a business module of the pharmacy console
type Module string

const (
	ModulePrescriptions Module = "prescriptions"
	ModuleInventory     Module = "inventory"
	ModuleFinancial     Module = "financial"
	ModuleProduction    Module = "production"
	ModuleChatbot       Module = "chatbot"
	ModuleReports       Module = "reports"
	ModuleSettings      Module = "settings"
	ModuleUsers         Module = "users"
)

// Action represents an action that can be performed within a module
type Action string

const (
	ActionCreate     Action = "create"
	ActionRead       Action = "read"
	ActionUpdate     Action = "update"
	ActionDelete     Action = "delete"
	ActionApprove    Action = "approve"
	ActionExport     Action = "export"
	ActionAdminister Action = "administer"
)

// AccessLevel scopes a grant to a slice of records. Levels are ordered:
// LevelOwn < LevelTeam < LevelAll, and LevelAll satisfies any requested level.
type AccessLevel string

const (
	// LevelUnspecified is the zero value; as a requested level it matches any
	// granted level, and it is never stored on a grant.
	LevelUnspecified AccessLevel = ""
	LevelOwn         AccessLevel = "own"
	LevelTeam        AccessLevel = "team"
	LevelAll         AccessLevel = "all"
)

// Grant is a single permission record: a (module, action, level) triple with
// an allow flag. Grant sets are not deduplicated; evaluation is existential.
type Grant struct {
	Module    Module      `json:"module"`
	Action    Action      `json:"action"`
	Level     AccessLevel `json:"level"`
	Allowed   bool        `json:"allowed"`
	GrantedAt time.Time   `json:"granted_at,omitempty"`
}

// String returns the canonical module:action:level form of the grant
func (g Grant) String() string {
	return string(g.Module) + ":" + string(g.Action) + ":" + string(g.Level)
}

// RoleName names one of the console's role profiles
type RoleName string

const (
	RoleOwner      RoleName = "owner"
	RolePharmacist RoleName = "pharmacist"
	RoleAttendant  RoleName = "attendant"
	RoleCompounder RoleName = "compounder"
	RoleCustom     RoleName = "custom"
)

// Dashboard designates the landing view for a role
type Dashboard string

const (
	DashboardOwner      Dashboard = "owner"
	DashboardClinical   Dashboard = "clinical"
	DashboardCounter    Dashboard = "counter"
	DashboardProduction Dashboard = "production"
	DashboardDefault    Dashboard = "default"
)

// Profile bundles a role name with its default dashboard and default grants
type Profile struct {
	ID          string    `json:"id"`
	Role        RoleName  `json:"role"`
	DisplayName string    `json:"display_name"`
	Dashboard   Dashboard `json:"dashboard"`
	Grants      []Grant   `json:"grants"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// IsOwner reports whether the profile carries the top-level role
func (p *Profile) IsOwner() bool {
	return p != nil && p.Role == RoleOwner
}

// IsPharmacist reports whether the profile carries the pharmacist role
func (p *Profile) IsPharmacist() bool {
	return p != nil && p.Role == RolePharmacist
}

// IsAttendant reports whether the profile carries the attendant role
func (p *Profile) IsAttendant() bool {
	return p != nil && p.Role == RoleAttendant
}

// IsCompounder reports whether the profile carries the compounder role
func (p *Profile) IsCompounder() bool {
	return p != nil && p.Role == RoleCompounder
}

// DefaultDashboards returns the fixed role-to-dashboard routing table
func DefaultDashboards() map[RoleName]Dashboard {
	return map[RoleName]Dashboard{
		RoleOwner:      DashboardOwner,
		RolePharmacist: DashboardClinical,
		RoleAttendant:  DashboardCounter,
		RoleCompounder: DashboardProduction,
		RoleCustom:     DashboardDefault,
	}
}

// BuiltInProfiles returns the default grant catalogue for each built-in role.
// The Owner profile carries no grants: Owner bypasses evaluation entirely at
// the session wrapper, so listing grants for it would be misleading.
func BuiltInProfiles() []Profile {
	return []Profile{
		{
			Role:        RoleOwner,
			DisplayName: "Owner",
			Dashboard:   DashboardOwner,
		},
		{
			Role:        RolePharmacist,
			DisplayName: "Pharmacist",
			Dashboard:   DashboardClinical,
			Grants: []Grant{
				{Module: ModulePrescriptions, Action: ActionCreate, Level: LevelAll, Allowed: true},
				{Module: ModulePrescriptions, Action: ActionRead, Level: LevelAll, Allowed: true},
				{Module: ModulePrescriptions, Action: ActionUpdate, Level: LevelAll, Allowed: true},
				{Module: ModulePrescriptions, Action: ActionApprove, Level: LevelAll, Allowed: true},
				{Module: ModuleInventory, Action: ActionRead, Level: LevelAll, Allowed: true},
				{Module: ModuleProduction, Action: ActionRead, Level: LevelAll, Allowed: true},
				{Module: ModuleProduction, Action: ActionApprove, Level: LevelAll, Allowed: true},
				{Module: ModuleReports, Action: ActionRead, Level: LevelTeam, Allowed: true},
			},
		},
		{
			Role:        RoleAttendant,
			DisplayName: "Attendant",
			Dashboard:   DashboardCounter,
			Grants: []Grant{
				{Module: ModulePrescriptions, Action: ActionCreate, Level: LevelOwn, Allowed: true},
				{Module: ModulePrescriptions, Action: ActionRead, Level: LevelTeam, Allowed: true},
				{Module: ModuleInventory, Action: ActionRead, Level: LevelTeam, Allowed: true},
				{Module: ModuleChatbot, Action: ActionRead, Level: LevelTeam, Allowed: true},
				{Module: ModuleChatbot, Action: ActionUpdate, Level: LevelOwn, Allowed: true},
			},
		},
		{
			Role:        RoleCompounder,
			DisplayName: "Compounder",
			Dashboard:   DashboardProduction,
			Grants: []Grant{
				{Module: ModuleProduction, Action: ActionRead, Level: LevelAll, Allowed: true},
				{Module: ModuleProduction, Action: ActionUpdate, Level: LevelOwn, Allowed: true},
				{Module: ModuleInventory, Action: ActionRead, Level: LevelAll, Allowed: true},
				{Module: ModuleInventory, Action: ActionUpdate, Level: LevelTeam, Allowed: true},
			},
		},
	}
}
