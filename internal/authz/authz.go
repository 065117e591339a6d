// Package authz implements the permission gate: given an identity's
// workspace, project, and config-level roles, decide whether it may
// read, edit, manage, create, or approve proposals against a config.
//
// Role resolution here plays the same part the teacher's
// internal/api/middleware.AuthMiddleware/RBACMiddleware pair plays for
// alert endpoints — context carries an authenticated identity, a
// middleware-adjacent gate turns that identity plus a required level
// into allow/deny — generalized from a single flat role string to the
// workspace/project/config role hierarchy spec.md §4.N requires.
package authz

import "github.com/meridianhq/configurator/internal/domain"

// level is an internal total ordering over roles so "effective role"
// can be computed as a max rather than a set of special cases.
type level int

const (
	levelNone level = iota
	levelViewer
	levelEditor
	levelMaintainer
	levelAdmin
)

func workspaceLevel(r domain.Role) level {
	if r == domain.RoleAdmin {
		return levelAdmin
	}
	return levelNone
}

func projectLevel(r domain.Role) level {
	switch r {
	case domain.RoleAdmin:
		return levelAdmin
	case domain.RoleMaintainer:
		return levelMaintainer
	case domain.RoleViewer:
		return levelViewer
	}
	return levelNone
}

func configLevel(r domain.Role) level {
	switch r {
	case domain.RoleMaintainer:
		return levelMaintainer
	case domain.RoleEditor:
		return levelEditor
	}
	return levelNone
}

// Identity is the set of roles an actor holds that bear on one config's
// effective permission: their workspace role in the config's
// workspace, their project role in the config's project, and their
// direct per-config role, if any.
type Identity struct {
	WorkspaceRole domain.Role
	ProjectRole   domain.Role
	ConfigRole    domain.Role
}

// Gate computes effective permissions for an Identity against a
// project's proposal/self-approval settings.
type Gate struct{}

// New constructs a Gate. It carries no state: every decision is a pure
// function of the Identity and project settings passed in.
func New() *Gate {
	return &Gate{}
}

func effective(id Identity) level {
	l := workspaceLevel(id.WorkspaceRole)
	if pl := projectLevel(id.ProjectRole); pl > l {
		l = pl
	}
	if cl := configLevel(id.ConfigRole); cl > l {
		l = cl
	}
	return l
}

// CanReadConfig reports whether id may read the config: any role above
// none suffices — viewer is the floor for read access.
func (g *Gate) CanReadConfig(id Identity) bool {
	return effective(id) >= levelViewer
}

// CanEditConfig reports whether id may change a config's value without
// touching its schema, overrides, or members.
func (g *Gate) CanEditConfig(id Identity) bool {
	return effective(id) >= levelEditor
}

// CanManageConfig reports whether id may change a config's schema,
// overrides, or members.
func (g *Gate) CanManageConfig(id Identity) bool {
	return effective(id) >= levelMaintainer
}

// CanCreateConfig reports whether id may create a new config in the
// project.
func (g *Gate) CanCreateConfig(id Identity) bool {
	return effective(id) >= levelMaintainer
}

// CanApproveProposal reports whether id may approve a proposal authored
// by proposerUserID, given the project's self-approval setting.
func (g *Gate) CanApproveProposal(id Identity, allowSelfApprovals bool, reviewerUserID, proposerUserID string) bool {
	if !g.CanManageConfig(id) {
		return false
	}
	if !allowSelfApprovals && reviewerUserID == proposerUserID {
		return false
	}
	return true
}
