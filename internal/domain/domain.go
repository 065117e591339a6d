// Package domain holds the plain data types shared by the store,
// evaluator, and service layers: workspaces, projects, configs,
// variants, overrides, versions, proposals, members, audit entries, and
// API keys. Types here carry no persistence or validation logic of
// their own; they are the shapes the rest of the module agrees on.
package domain

import (
	"time"

	"github.com/meridianhq/configurator/internal/condition"
)

// Role is a permission level. The same type is reused at workspace,
// project, and config scope; callers interpret it relative to scope.
type Role string

const (
	RoleViewer     Role = "viewer"
	RoleEditor     Role = "editor"
	RoleMaintainer Role = "maintainer"
	RoleAdmin      Role = "admin"
	RoleMember     Role = "member"
)

// Workspace is the tenant boundary above Project.
type Workspace struct {
	ID   string
	Name string
}

// Environment is a named, ordered deployment target within a project.
type Environment struct {
	ID               string
	ProjectID        string
	Name             string
	Order            int
	RequireProposals bool
}

// Project owns a set of environments and configs.
type Project struct {
	ID                 string
	WorkspaceID        string
	Name               string
	RequireProposals   bool
	AllowSelfApprovals bool
	CreatedAt          time.Time
}

// Member is a (user, role) pair attached to a config or a project.
type Member struct {
	UserID string
	Email  string
	Role   Role
}

// Override is a named rule: if every condition matches, Value replaces
// the base/variant value.
type Override struct {
	Name       string
	Conditions []condition.Node
	Value      condition.Value
}

// Variant is a config's base or a per-environment specialization of it.
// EnvironmentID is empty for the base variant.
type Variant struct {
	EnvironmentID string
	Value         any
	Schema        map[string]any
	UseBaseSchema bool
	Overrides     []Override
}

// Config is identified by (ProjectID, Name); Name is unique within a
// project. The base variant's fields live directly on Config.
type Config struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	Value       any
	Schema      map[string]any
	Overrides   []Override
	Variants    map[string]Variant // keyed by EnvironmentID
	Members     []Member
	Version     int64
}

// BaseVariant extracts Config's base fields as a Variant for uniform
// handling alongside environment variants.
func (c *Config) BaseVariant() Variant {
	return Variant{Value: c.Value, Schema: c.Schema, Overrides: c.Overrides}
}

// ConfigVersion is an immutable snapshot appended on every successful
// mutation of a Config.
type ConfigVersion struct {
	ConfigID        string
	Version         int64
	Description     string
	Base            Variant
	Environments    map[string]Variant
	Members         []Member
	AuthorUserID    string // empty for system actions
	ProposalID      string // empty if not applied from a proposal
	CreatedAt       time.Time
}

// FieldState is a three-state sentinel: a proposed field is either left
// unchanged, or set to an explicit new value (including nil/zero).
type FieldState struct {
	Changed bool
	Value   any
}

func Unchanged() FieldState       { return FieldState{} }
func NewValue(v any) FieldState   { return FieldState{Changed: true, Value: v} }

// ProposalStatus is the proposal lifecycle state.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
)

// RejectionReason classifies why a proposal was rejected.
type RejectionReason string

const (
	RejectedExplicitly        RejectionReason = "rejected_explicitly"
	RejectedConfigEdited       RejectionReason = "config_edited"
	RejectedConfigDeleted      RejectionReason = "config_deleted"
	RejectedAnotherApproved    RejectionReason = "another_proposal_approved"
)

// ProposedVariant mirrors Variant but every field is a FieldState so a
// proposal can express "leave this alone" vs "change this".
type ProposedVariant struct {
	EnvironmentID string
	Value         FieldState
	Schema        FieldState
	Overrides     FieldState
	UseBaseSchema FieldState
}

// Proposal is a pending (or resolved) change against a specific config
// version.
type Proposal struct {
	ID                        string
	ConfigID                  string
	ProposerUserID            string
	BaseConfigVersion         int64
	Description               FieldState
	Members                   FieldState // []Member when Changed
	Deleted                   bool
	Base                      ProposedVariant
	Environments              map[string]ProposedVariant
	Status                    ProposalStatus
	ReviewerUserID            string
	RejectionReason           RejectionReason
	RejectedInFavorOfProposal string
	CreatedAt                 time.Time
	ApprovedAt                *time.Time
	RejectedAt                *time.Time
}

// AuditKind tags the payload shape of an AuditEntry.
type AuditKind string

const (
	AuditConfigCreated         AuditKind = "config_created"
	AuditConfigUpdated         AuditKind = "config_updated"
	AuditConfigDeleted         AuditKind = "config_deleted"
	AuditConfigMembersChanged  AuditKind = "config_members_changed"
	AuditProposalCreated       AuditKind = "config_proposal_created"
	AuditProposalApproved      AuditKind = "config_proposal_approved"
	AuditProposalRejected      AuditKind = "config_proposal_rejected"
)

// AuditEntry is an append-only record of a state-changing action.
type AuditEntry struct {
	ID         string
	ProjectID  string
	ConfigID   string
	Kind       AuditKind
	ActorID    string
	Payload    map[string]any
	CreatedAt  time.Time
}

// APIKeyKind distinguishes Admin API keys from SDK read keys.
type APIKeyKind string

const (
	APIKeyAdmin APIKeyKind = "admin"
	APIKeySDK   APIKeyKind = "sdk"
)

// APIKey authenticates either an Admin API caller (scoped) or an SDK
// reader (bound to one project+environment).
type APIKey struct {
	ID            string
	Kind          APIKeyKind
	Scopes        []string
	ProjectIDs    []string // empty means unrestricted, admin keys only
	EnvironmentID string   // SDK keys only
	UserID        string   // admin keys: the identity behind the key
	CreatedAt     time.Time
}
