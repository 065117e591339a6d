// Package proposal implements the proposal lifecycle state machine
// (spec.md §4.M): createProposal, approveProposal, rejectProposal.
// Approval recomputes the proposal's target state against the config's
// current base/environments/members and applies it by calling into
// internal/configsvc's updateConfig/deleteConfig as the apply step,
// exactly as spec.md directs — this package never writes to the
// primary store directly except to transition the proposal's own
// status.
package proposal

import (
	"context"
	"log/slog"

	"github.com/meridianhq/configurator/internal/apierr"
	"github.com/meridianhq/configurator/internal/authz"
	"github.com/meridianhq/configurator/internal/configsvc"
	"github.com/meridianhq/configurator/internal/domain"
)

// Store is the proposal-facing subset of internal/store/postgres.Store.
// Satisfied by *postgres.Store.
type Store interface {
	GetProposal(ctx context.Context, id string) (*domain.Proposal, error)
	CreateProposal(ctx context.Context, p *domain.Proposal) (*domain.Proposal, error)
	MarkApproved(ctx context.Context, proposalID, reviewerUserID, projectID, configID string) error
	MarkRejected(ctx context.Context, proposalID, reviewerUserID string, reason domain.RejectionReason, rejectedInFavorOf, projectID, configID string) error
}

// ConfigLoader resolves the config a proposal targets, by name (for
// creation, where the caller knows the config's identity) and by id
// (for approval, where the proposal only carries a config id).
// Satisfied by *postgres.Store.
type ConfigLoader interface {
	GetConfig(ctx context.Context, projectID, name string) (*domain.Config, error)
	GetConfigByID(ctx context.Context, id string) (*domain.Config, error)
}

// ProjectLoader supplies allowSelfApprovals for the self-approval gate.
// Satisfied by *postgres.Store.
type ProjectLoader interface {
	GetProject(ctx context.Context, id string) (*domain.Project, error)
}

// ConfigApplier is the apply step: internal/configsvc.Service.
type ConfigApplier interface {
	UpdateConfig(ctx context.Context, req configsvc.UpdateRequest) (*domain.Config, error)
	DeleteConfig(ctx context.Context, req configsvc.DeleteRequest) error
}

// AuthorNotifier schedules the post-commit author-notification side
// effect spec.md §4.M mentions for rejection. Email delivery itself is
// out of scope (spec.md §1: "authentication and email notifications"
// are specified only by the interface the core consumes) — production
// wiring supplies a real sink; tests pass nil.
type AuthorNotifier func(ctx context.Context, p *domain.Proposal)

// Service is the proposal lifecycle orchestrator.
type Service struct {
	store    Store
	configs  ConfigLoader
	projects ProjectLoader
	applier  ConfigApplier
	gate     *authz.Gate
	notify   AuthorNotifier
	logger   *slog.Logger
}

// New constructs a Service. notify may be nil.
func New(store Store, configs ConfigLoader, projects ProjectLoader, applier ConfigApplier, gate *authz.Gate, notify AuthorNotifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, configs: configs, projects: projects, applier: applier, gate: gate, notify: notify, logger: logger}
}

// CreateProposalRequest describes a proposed delta against a specific
// config version. Every FieldState left Unchanged() is a no-op at
// approval time; only Changed fields are applied.
type CreateProposalRequest struct {
	ProjectID         string
	ConfigName        string
	ProposerUserID    string
	Identity          authz.Identity
	BaseConfigVersion int64
	Description       domain.FieldState
	Members           domain.FieldState
	Deleted           bool
	Base              domain.ProposedVariant
	Environments      map[string]domain.ProposedVariant
}

// CreateProposal records a pending proposal against the named config.
// Proposing requires only editor access — the proposal workflow exists
// precisely so editors can route maintainer-grade changes (schema,
// overrides, members, deletion) through review instead of needing
// maintainer access themselves.
func (s *Service) CreateProposal(ctx context.Context, req CreateProposalRequest) (*domain.Proposal, error) {
	if !s.gate.CanEditConfig(req.Identity) {
		return nil, apierr.Forbidden("editor role required to propose a change")
	}
	cfg, err := s.configs.GetConfig(ctx, req.ProjectID, req.ConfigName)
	if err != nil {
		return nil, err
	}

	p := &domain.Proposal{
		ConfigID:          cfg.ID,
		ProposerUserID:    req.ProposerUserID,
		BaseConfigVersion: req.BaseConfigVersion,
		Description:       req.Description,
		Members:           req.Members,
		Deleted:           req.Deleted,
		Base:              req.Base,
		Environments:      req.Environments,
	}
	return s.store.CreateProposal(ctx, p)
}

// ApproveProposalRequest identifies the reviewer approving a proposal.
type ApproveProposalRequest struct {
	ProposalID     string
	ReviewerUserID string
	Identity       authz.Identity
}

// ApproveProposal runs spec.md §4.M's five approval steps. It returns
// the updated config, or nil if the proposal proposed deletion (the
// config no longer exists once this returns successfully).
func (s *Service) ApproveProposal(ctx context.Context, req ApproveProposalRequest) (*domain.Config, error) {
	p, err := s.store.GetProposal(ctx, req.ProposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ProposalPending {
		return nil, apierr.Invariant("proposal %s is already %s", p.ID, p.Status)
	}

	cfg, err := s.configs.GetConfigByID(ctx, p.ConfigID)
	if err != nil {
		return nil, err
	}

	// Step (i): re-check permission on the config.
	if !s.gate.CanManageConfig(req.Identity) {
		return nil, apierr.Forbidden("maintainer role required to approve a proposal")
	}

	// Step (ii): the proposal must still target the current version.
	if p.BaseConfigVersion != cfg.Version {
		return nil, apierr.BadRequest("proposal targets version %d but config is now at version %d; the proposer must refresh and resubmit", p.BaseConfigVersion, cfg.Version)
	}

	project, err := s.projects.GetProject(ctx, cfg.ProjectID)
	if err != nil {
		return nil, err
	}

	// Step (iii): self-approval gate.
	if !s.gate.CanApproveProposal(req.Identity, project.AllowSelfApprovals, req.ReviewerUserID, p.ProposerUserID) {
		return nil, apierr.BadRequest("self-approval is disabled for this project")
	}

	desiredBase, desiredEnvs, desiredMembers, desiredDescription := targetState(cfg, p)

	// Step (iv): apply, as the apply step of this approval.
	if p.Deleted {
		if err := s.applier.DeleteConfig(ctx, configsvc.DeleteRequest{
			ProjectID: cfg.ProjectID, Name: cfg.Name, ActorID: req.ReviewerUserID,
			Identity: req.Identity, PrevVersion: cfg.Version, ApprovingProposalID: p.ID,
		}); err != nil {
			return nil, err
		}
		// Step (v): mark approved.
		if err := s.store.MarkApproved(ctx, p.ID, req.ReviewerUserID, cfg.ProjectID, cfg.ID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	updated, err := s.applier.UpdateConfig(ctx, configsvc.UpdateRequest{
		ProjectID: cfg.ProjectID, Name: cfg.Name, Description: desiredDescription,
		ActorID: req.ReviewerUserID, Identity: req.Identity, PrevVersion: cfg.Version,
		Base: desiredBase, Environments: desiredEnvs, Members: desiredMembers,
		OriginalProposalID: p.ID,
	})
	if err != nil {
		return nil, err
	}

	// Step (v): mark approved.
	if err := s.store.MarkApproved(ctx, p.ID, req.ReviewerUserID, cfg.ProjectID, cfg.ID); err != nil {
		return nil, err
	}
	return updated, nil
}

// RejectProposalRequest identifies the reviewer rejecting a proposal.
type RejectProposalRequest struct {
	ProposalID     string
	ReviewerUserID string
	Identity       authz.Identity
}

// RejectProposal transitions a pending proposal to rejected with reason
// rejected_explicitly and schedules the author notification.
func (s *Service) RejectProposal(ctx context.Context, req RejectProposalRequest) error {
	p, err := s.store.GetProposal(ctx, req.ProposalID)
	if err != nil {
		return err
	}
	if p.Status != domain.ProposalPending {
		return apierr.Invariant("proposal %s is already %s", p.ID, p.Status)
	}
	if !s.gate.CanManageConfig(req.Identity) {
		return apierr.Forbidden("maintainer role required to reject a proposal")
	}

	cfg, err := s.configs.GetConfigByID(ctx, p.ConfigID)
	if err != nil {
		return err
	}
	if err := s.store.MarkRejected(ctx, p.ID, req.ReviewerUserID, domain.RejectedExplicitly, "", cfg.ProjectID, p.ConfigID); err != nil {
		return err
	}

	if s.notify != nil {
		s.notify(ctx, p)
	}
	return nil
}

// targetState recomputes the proposal's full desired state against
// cfg's current base, environment variants, description, and members —
// spec.md §4.M approval step (ii)'s "recompute the proposal's target
// state against current base + members". FieldStates left Unchanged()
// pass the current value through untouched.
func targetState(cfg *domain.Config, p *domain.Proposal) (base domain.Variant, envs map[string]domain.Variant, members []domain.Member, description string) {
	base = mergeVariant(cfg.BaseVariant(), p.Base)

	envs = make(map[string]domain.Variant, len(cfg.Variants)+len(p.Environments))
	for envID, v := range cfg.Variants {
		envs[envID] = v
	}
	for envID, pv := range p.Environments {
		current, existed := cfg.Variants[envID]
		if !existed {
			current = domain.Variant{EnvironmentID: envID}
		}
		envs[envID] = mergeVariant(current, pv)
	}

	members = cfg.Members
	if p.Members.Changed {
		if m, ok := p.Members.Value.([]domain.Member); ok {
			members = m
		} else {
			members = nil
		}
	}

	description = cfg.Description
	if p.Description.Changed {
		if d, ok := p.Description.Value.(string); ok {
			description = d
		}
	}
	return base, envs, members, description
}

func mergeVariant(current domain.Variant, proposed domain.ProposedVariant) domain.Variant {
	out := current
	out.EnvironmentID = proposed.EnvironmentID
	if proposed.Value.Changed {
		out.Value = proposed.Value.Value
	}
	if proposed.Schema.Changed {
		if schema, ok := proposed.Schema.Value.(map[string]any); ok {
			out.Schema = schema
		} else {
			out.Schema = nil
		}
	}
	if proposed.Overrides.Changed {
		if overrides, ok := proposed.Overrides.Value.([]domain.Override); ok {
			out.Overrides = overrides
		} else {
			out.Overrides = nil
		}
	}
	if proposed.UseBaseSchema.Changed {
		if use, ok := proposed.UseBaseSchema.Value.(bool); ok {
			out.UseBaseSchema = use
		}
	}
	return out
}
