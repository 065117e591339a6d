// Package configsvc implements the config write path (spec.md §4.L):
// createConfig, updateConfig, deleteConfig. It is the orchestrator that
// wires schema validation (G), the permission gate (N), and the
// primary store (H) together for the first time, and is the one place
// that decides whether a direct write must be redirected into the
// proposal workflow (M).
//
// Grounded end to end on other_examples' cfguardian
// UpdateConfigUseCase.Execute: validate input, load current state,
// optimistic-lock check, schema validation, persist with a version
// bump, append a revision record — cfguardian's four steps map onto
// spec.md §4.L's seven, expanded here for variants, members, and the
// proposal-required gate cfguardian has no equivalent of.
package configsvc

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/meridianhq/configurator/internal/apierr"
	"github.com/meridianhq/configurator/internal/authz"
	"github.com/meridianhq/configurator/internal/condition"
	"github.com/meridianhq/configurator/internal/domain"
	"github.com/meridianhq/configurator/internal/schemavalidator"
)

// ConfigStore is the subset of internal/store/postgres.Store the
// service drives. Satisfied by *postgres.Store.
type ConfigStore interface {
	GetConfig(ctx context.Context, projectID, name string) (*domain.Config, error)
	CreateConfig(ctx context.Context, cfg *domain.Config, actorID string) (*domain.Config, error)
	UpdateConfig(ctx context.Context, cfg *domain.Config, expectedVersion int64, actorID, proposalID string) (*domain.Config, error)
	DeleteConfig(ctx context.Context, configID, projectID string, expectedVersion int64, actorID string) error
	ListPendingProposals(ctx context.Context, configID string) ([]*domain.Proposal, error)
	MarkRejected(ctx context.Context, proposalID, reviewerUserID string, reason domain.RejectionReason, rejectedInFavorOf, projectID, configID string) error
}

// ProjectStore supplies the project/environment settings the
// proposal-required gate (step 5) needs. Satisfied by
// *postgres.Store.
type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	GetEnvironment(ctx context.Context, id string) (*domain.Environment, error)
}

// Service is the config write-path orchestrator.
type Service struct {
	store     ConfigStore
	projects  ProjectStore
	validator *schemavalidator.Validator
	gate      *authz.Gate
	logger    *slog.Logger
}

// New constructs a Service.
func New(store ConfigStore, projects ProjectStore, validator *schemavalidator.Validator, gate *authz.Gate, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, projects: projects, validator: validator, gate: gate, logger: logger}
}

// CreateRequest describes a new config's desired base + environment
// variants + members.
type CreateRequest struct {
	ProjectID    string
	Name         string
	Description  string
	ActorID      string
	Identity     authz.Identity
	Base         domain.Variant
	Environments map[string]domain.Variant
	Members      []domain.Member
}

// UpdateRequest carries the caller-supplied full desired state plus the
// expected current version (spec.md §4.L: "the caller supplies the full
// desired state of base + environment variants + members and the
// expected prevVersion"). OriginalProposalID is set only when this call
// is the apply step of an already-approved proposal (internal/proposal
// is the only caller that ever sets it).
type UpdateRequest struct {
	ProjectID          string
	Name               string
	Description        string
	ActorID            string
	Identity           authz.Identity
	PrevVersion        int64
	Base               domain.Variant
	Environments       map[string]domain.Variant
	Members            []domain.Member
	OriginalProposalID string
}

// DeleteRequest identifies the config to delete and the expected
// current version. ApprovingProposalID is set only when this deletion
// is the apply step of an approved "delete this config" proposal — it
// is excluded from the config_deleted cascade rejection since
// internal/proposal marks it approved itself once this call returns.
type DeleteRequest struct {
	ProjectID           string
	Name                string
	ActorID             string
	Identity            authz.Identity
	PrevVersion         int64
	ApprovingProposalID string
}

// CreateConfig validates and persists a brand-new config. There is no
// prior version to check and no proposal gate — proposals exist to
// govern changes to an established config, not its creation.
func (s *Service) CreateConfig(ctx context.Context, req CreateRequest) (*domain.Config, error) {
	if !s.gate.CanCreateConfig(req.Identity) {
		return nil, apierr.Forbidden("maintainer role required to create a config")
	}
	if req.Name == "" {
		return nil, apierr.BadRequest("config name must not be empty")
	}
	if err := s.validateShape(req.ProjectID, req.Base, req.Environments, req.Members); err != nil {
		return nil, err
	}

	cfg := &domain.Config{
		ProjectID:   req.ProjectID,
		Name:        req.Name,
		Description: req.Description,
		Value:       req.Base.Value,
		Schema:      req.Base.Schema,
		Overrides:   req.Base.Overrides,
		Variants:    req.Environments,
		Members:     req.Members,
	}
	return s.store.CreateConfig(ctx, cfg, req.ActorID)
}

// UpdateConfig runs spec.md §4.L's seven-step algorithm.
func (s *Service) UpdateConfig(ctx context.Context, req UpdateRequest) (*domain.Config, error) {
	// Step 1: shape, schema, reference-scope, member uniqueness.
	if err := s.validateShape(req.ProjectID, req.Base, req.Environments, req.Members); err != nil {
		return nil, err
	}

	// Step 2: load at the expected version.
	current, err := s.store.GetConfig(ctx, req.ProjectID, req.Name)
	if err != nil {
		return nil, err
	}
	if current.Version != req.PrevVersion {
		return nil, apierr.StaleVersion(req.PrevVersion, current.Version)
	}

	// Step 3: per-variant diff.
	d := diffConfig(current, req.Base, req.Environments, req.Members)

	// Step 4: permission check.
	if d.managementChange {
		if !s.gate.CanManageConfig(req.Identity) {
			return nil, apierr.Forbidden("maintainer role required to change schema, overrides, or members")
		}
	} else if !s.gate.CanEditConfig(req.Identity) {
		return nil, apierr.Forbidden("editor role required to edit this config")
	}

	// Step 5: proposal-required gate, bypassed when applying an
	// already-approved proposal.
	if req.OriginalProposalID == "" {
		required, err := s.proposalRequired(ctx, req.ProjectID, d.affectedEnvironmentIDs)
		if err != nil {
			return nil, err
		}
		if required {
			return nil, apierr.Conflict("this project or an affected environment requires changes to go through a proposal")
		}
	}

	// Step 6: persist.
	desired := &domain.Config{
		ID:          current.ID,
		ProjectID:   current.ProjectID,
		Name:        current.Name,
		Description: req.Description,
		Value:       req.Base.Value,
		Schema:      req.Base.Schema,
		Overrides:   req.Base.Overrides,
		Variants:    req.Environments,
		Members:     req.Members,
	}
	updated, err := s.store.UpdateConfig(ctx, desired, req.PrevVersion, req.ActorID, req.OriginalProposalID)
	if err != nil {
		return nil, err
	}

	// Step 7: cascade-reject sibling proposals. Best-effort: the config
	// mutation already committed, so a failure here is logged rather
	// than surfaced as a failed update.
	reason := domain.RejectedConfigEdited
	if req.OriginalProposalID != "" {
		reason = domain.RejectedAnotherApproved
	}
	s.rejectOtherProposals(ctx, current.ID, current.ProjectID, req.OriginalProposalID, req.OriginalProposalID, reason, req.ActorID)

	return updated, nil
}

// DeleteConfig removes a config after an optimistic version check and
// cascades a config_deleted rejection to every proposal left pending
// against it.
func (s *Service) DeleteConfig(ctx context.Context, req DeleteRequest) error {
	if !s.gate.CanManageConfig(req.Identity) {
		return apierr.Forbidden("maintainer role required to delete a config")
	}

	current, err := s.store.GetConfig(ctx, req.ProjectID, req.Name)
	if err != nil {
		return err
	}
	if current.Version != req.PrevVersion {
		return apierr.StaleVersion(req.PrevVersion, current.Version)
	}

	if err := s.store.DeleteConfig(ctx, current.ID, current.ProjectID, req.PrevVersion, req.ActorID); err != nil {
		return err
	}

	s.rejectOtherProposals(ctx, current.ID, current.ProjectID, req.ApprovingProposalID, "", domain.RejectedConfigDeleted, req.ActorID)
	return nil
}

// rejectOtherProposals cascade-rejects every pending proposal on
// configID except excludeProposalID (the one just applied, if any —
// its own status transition to approved is the caller's
// responsibility), setting rejectedInFavorOfProposalId to favorOf
// (spec.md §4.L step 7 / §4.M "cascade rejection": favorOf is only
// ever set for the another_proposal_approved reason, empty for direct
// edits and deletions).
func (s *Service) rejectOtherProposals(ctx context.Context, configID, projectID, excludeProposalID, favorOf string, reason domain.RejectionReason, reviewerUserID string) {
	pending, err := s.store.ListPendingProposals(ctx, configID)
	if err != nil {
		s.logger.Error("configsvc: listing pending proposals for cascade rejection failed", "configId", configID, "error", err)
		return
	}
	for _, p := range pending {
		if p.ID == excludeProposalID {
			continue // this is the proposal being applied; it is marked approved, not rejected
		}
		if err := s.store.MarkRejected(ctx, p.ID, reviewerUserID, reason, favorOf, projectID, configID); err != nil {
			s.logger.Error("configsvc: cascade-rejecting proposal failed", "proposalId", p.ID, "configId", configID, "error", err)
		}
	}
}

// validateShape runs step 1's checks shared by create and update: each
// variant's value against its effective schema, override reference
// scope (no cross-project references), and member id uniqueness.
func (s *Service) validateShape(projectID string, base domain.Variant, envs map[string]domain.Variant, members []domain.Member) error {
	if details, err := s.validator.Validate(base.Schema, base.Value); err != nil {
		return apierr.Internal("validating base schema: %v", err)
	} else if len(details) > 0 {
		return apierr.BadRequest("base value does not conform to its schema").WithDetails(details)
	}
	if err := checkOverrideScope(projectID, "base", base.Overrides); err != nil {
		return err
	}

	for envID, v := range envs {
		schema := v.Schema
		if v.UseBaseSchema {
			schema = base.Schema
		}
		details, err := s.validator.Validate(schema, v.Value)
		if err != nil {
			return apierr.Internal("validating environment %q schema: %v", envID, err)
		}
		if len(details) > 0 {
			return apierr.BadRequest("environment %q value does not conform to its schema", envID).WithDetails(details)
		}
		if err := checkOverrideScope(projectID, envID, v.Overrides); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m.UserID == "" {
			return apierr.BadRequest("member userId must not be empty")
		}
		if seen[m.UserID] {
			return apierr.BadRequest("member %s listed more than once", m.UserID)
		}
		seen[m.UserID] = true
	}
	return nil
}

func checkOverrideScope(projectID, variantLabel string, overrides []domain.Override) error {
	for _, ov := range overrides {
		for _, c := range ov.Conditions {
			var bad error
			c.Walk(func(n condition.Node) bool {
				if n.Operator != condition.OpSegmentation && n.Value.Type == condition.ValueReference && n.Value.ProjectID != projectID {
					bad = apierr.Invariant("override %q (%s) references project %s, outside its own project %s",
						ov.Name, variantLabel, n.Value.ProjectID, projectID)
					return false
				}
				return true
			})
			if bad != nil {
				return bad
			}
		}
	}
	return nil
}

// diff is the step-3 classification of what changed between the
// current config and the desired state.
type diff struct {
	managementChange       bool // a schema, override, or member change anywhere
	affectedEnvironmentIDs []string
}

func diffConfig(current *domain.Config, desiredBase domain.Variant, desiredEnvs map[string]domain.Variant, desiredMembers []domain.Member) diff {
	var d diff

	curBase := current.BaseVariant()
	if !reflect.DeepEqual(curBase.Schema, desiredBase.Schema) || !reflect.DeepEqual(curBase.Overrides, desiredBase.Overrides) {
		d.managementChange = true
	}

	seen := make(map[string]bool, len(desiredEnvs))
	for envID, want := range desiredEnvs {
		seen[envID] = true
		have, existed := current.Variants[envID]
		switch {
		case !existed:
			d.affectedEnvironmentIDs = append(d.affectedEnvironmentIDs, envID)
			d.managementChange = true
		case !reflect.DeepEqual(have.Value, want.Value):
			d.affectedEnvironmentIDs = append(d.affectedEnvironmentIDs, envID)
		case !reflect.DeepEqual(have.Schema, want.Schema) || !reflect.DeepEqual(have.Overrides, want.Overrides) || have.UseBaseSchema != want.UseBaseSchema:
			d.affectedEnvironmentIDs = append(d.affectedEnvironmentIDs, envID)
			d.managementChange = true
		}
	}
	for envID := range current.Variants {
		if !seen[envID] {
			d.affectedEnvironmentIDs = append(d.affectedEnvironmentIDs, envID)
			d.managementChange = true
		}
	}

	if !reflect.DeepEqual(current.Members, desiredMembers) {
		d.managementChange = true
	}
	return d
}

func (s *Service) proposalRequired(ctx context.Context, projectID string, affectedEnvironmentIDs []string) (bool, error) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	if project.RequireProposals {
		return true, nil
	}
	for _, envID := range affectedEnvironmentIDs {
		env, err := s.projects.GetEnvironment(ctx, envID)
		if err != nil {
			return false, err
		}
		if env.RequireProposals {
			return true, nil
		}
	}
	return false, nil
}
