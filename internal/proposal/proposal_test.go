package proposal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/configurator/internal/apierr"
	"github.com/meridianhq/configurator/internal/authz"
	"github.com/meridianhq/configurator/internal/configsvc"
	"github.com/meridianhq/configurator/internal/domain"
)

type fakeProposalStore struct {
	proposals    map[string]*domain.Proposal
	approveCalls int
	rejectCalls  []rejectCall
}

type rejectCall struct {
	proposalID string
	reviewer   string
	reason     domain.RejectionReason
	favorOf    string
}

func newFakeProposalStore() *fakeProposalStore {
	return &fakeProposalStore{proposals: map[string]*domain.Proposal{}}
}

func (f *fakeProposalStore) GetProposal(_ context.Context, id string) (*domain.Proposal, error) {
	p, ok := f.proposals[id]
	if !ok {
		return nil, apierr.NotFound("proposal")
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProposalStore) CreateProposal(_ context.Context, p *domain.Proposal) (*domain.Proposal, error) {
	p.ID = "prop-generated"
	p.Status = domain.ProposalPending
	f.proposals[p.ID] = p
	return p, nil
}

func (f *fakeProposalStore) MarkApproved(_ context.Context, proposalID, _, _, _ string) error {
	p, ok := f.proposals[proposalID]
	if !ok {
		return apierr.NotFound("proposal")
	}
	p.Status = domain.ProposalApproved
	f.approveCalls++
	return nil
}

func (f *fakeProposalStore) MarkRejected(_ context.Context, proposalID, reviewerUserID string, reason domain.RejectionReason, rejectedInFavorOf, _, _ string) error {
	p, ok := f.proposals[proposalID]
	if !ok {
		return apierr.NotFound("proposal")
	}
	p.Status = domain.ProposalRejected
	f.rejectCalls = append(f.rejectCalls, rejectCall{proposalID, reviewerUserID, reason, rejectedInFavorOf})
	return nil
}

type fakeConfigLoader struct {
	byName map[string]*domain.Config
	byID   map[string]*domain.Config
}

func newFakeConfigLoader() *fakeConfigLoader {
	return &fakeConfigLoader{byName: map[string]*domain.Config{}, byID: map[string]*domain.Config{}}
}

func (f *fakeConfigLoader) put(cfg *domain.Config) {
	f.byName[cfg.ProjectID+"/"+cfg.Name] = cfg
	f.byID[cfg.ID] = cfg
}

func (f *fakeConfigLoader) GetConfig(_ context.Context, projectID, name string) (*domain.Config, error) {
	cfg, ok := f.byName[projectID+"/"+name]
	if !ok {
		return nil, apierr.NotFound("config")
	}
	return cfg, nil
}

func (f *fakeConfigLoader) GetConfigByID(_ context.Context, id string) (*domain.Config, error) {
	cfg, ok := f.byID[id]
	if !ok {
		return nil, apierr.NotFound("config")
	}
	return cfg, nil
}

type fakeProjectLoader struct {
	projects map[string]*domain.Project
}

func (f *fakeProjectLoader) GetProject(_ context.Context, id string) (*domain.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, apierr.NotFound("project")
	}
	return p, nil
}

type fakeApplier struct {
	updateCalls  []configsvc.UpdateRequest
	deleteCalls  []configsvc.DeleteRequest
	updateResult *domain.Config
	updateErr    error
	deleteErr    error
}

func (f *fakeApplier) UpdateConfig(_ context.Context, req configsvc.UpdateRequest) (*domain.Config, error) {
	f.updateCalls = append(f.updateCalls, req)
	return f.updateResult, f.updateErr
}

func (f *fakeApplier) DeleteConfig(_ context.Context, req configsvc.DeleteRequest) error {
	f.deleteCalls = append(f.deleteCalls, req)
	return f.deleteErr
}

func editor() authz.Identity     { return authz.Identity{ConfigRole: domain.RoleEditor} }
func maintainer() authz.Identity { return authz.Identity{ConfigRole: domain.RoleMaintainer} }
func viewer() authz.Identity     { return authz.Identity{ConfigRole: domain.RoleViewer} }

type fixture struct {
	store    *fakeProposalStore
	configs  *fakeConfigLoader
	projects *fakeProjectLoader
	applier  *fakeApplier
	svc      *Service
}

func newFixture() *fixture {
	store := newFakeProposalStore()
	configs := newFakeConfigLoader()
	projects := &fakeProjectLoader{projects: map[string]*domain.Project{}}
	applier := &fakeApplier{}
	svc := New(store, configs, projects, applier, authz.New(), nil, nil)
	return &fixture{store: store, configs: configs, projects: projects, applier: applier, svc: svc}
}

func TestCreateProposal_RequiresEditor(t *testing.T) {
	fx := newFixture()
	fx.configs.put(&domain.Config{ID: "cfg-1", ProjectID: "proj-1", Name: "feature-x", Version: 1})

	_, err := fx.svc.CreateProposal(context.Background(), CreateProposalRequest{
		ProjectID: "proj-1", ConfigName: "feature-x", Identity: viewer(),
	})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, apiErr.Code)
}

func TestCreateProposal_Success(t *testing.T) {
	fx := newFixture()
	fx.configs.put(&domain.Config{ID: "cfg-1", ProjectID: "proj-1", Name: "feature-x", Version: 5})

	p, err := fx.svc.CreateProposal(context.Background(), CreateProposalRequest{
		ProjectID: "proj-1", ConfigName: "feature-x", ProposerUserID: "user-1",
		Identity: editor(), BaseConfigVersion: 5,
		Base: domain.ProposedVariant{Value: domain.NewValue("off")},
	})
	require.NoError(t, err)
	assert.Equal(t, "cfg-1", p.ConfigID)
	assert.Equal(t, domain.ProposalPending, p.Status)
}

func TestApproveProposal_AlreadyTerminalRejected(t *testing.T) {
	fx := newFixture()
	fx.store.proposals["prop-1"] = &domain.Proposal{ID: "prop-1", ConfigID: "cfg-1", Status: domain.ProposalApproved}

	_, err := fx.svc.ApproveProposal(context.Background(), ApproveProposalRequest{ProposalID: "prop-1", Identity: maintainer()})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvariant, apiErr.Code)
}

func TestApproveProposal_StaleBaseVersionRejected(t *testing.T) {
	fx := newFixture()
	fx.configs.put(&domain.Config{ID: "cfg-1", ProjectID: "proj-1", Name: "feature-x", Version: 6})
	fx.projects.projects["proj-1"] = &domain.Project{ID: "proj-1", AllowSelfApprovals: true}
	fx.store.proposals["prop-1"] = &domain.Proposal{ID: "prop-1", ConfigID: "cfg-1", BaseConfigVersion: 5, Status: domain.ProposalPending, ProposerUserID: "user-1"}

	_, err := fx.svc.ApproveProposal(context.Background(), ApproveProposalRequest{ProposalID: "prop-1", ReviewerUserID: "user-2", Identity: maintainer()})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeBadRequest, apiErr.Code)
}

func TestApproveProposal_SelfApprovalBlockedWhenDisallowed(t *testing.T) {
	fx := newFixture()
	fx.configs.put(&domain.Config{ID: "cfg-1", ProjectID: "proj-1", Name: "feature-x", Version: 5})
	fx.projects.projects["proj-1"] = &domain.Project{ID: "proj-1", AllowSelfApprovals: false}
	fx.store.proposals["prop-1"] = &domain.Proposal{ID: "prop-1", ConfigID: "cfg-1", BaseConfigVersion: 5, Status: domain.ProposalPending, ProposerUserID: "user-1"}

	_, err := fx.svc.ApproveProposal(context.Background(), ApproveProposalRequest{ProposalID: "prop-1", ReviewerUserID: "user-1", Identity: maintainer()})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeBadRequest, apiErr.Code)
}

func TestApproveProposal_SelfApprovalAllowedWhenProjectOptsIn(t *testing.T) {
	fx := newFixture()
	fx.configs.put(&domain.Config{ID: "cfg-1", ProjectID: "proj-1", Name: "feature-x", Version: 5, Value: "on"})
	fx.projects.projects["proj-1"] = &domain.Project{ID: "proj-1", AllowSelfApprovals: true}
	fx.store.proposals["prop-1"] = &domain.Proposal{ID: "prop-1", ConfigID: "cfg-1", BaseConfigVersion: 5, Status: domain.ProposalPending, ProposerUserID: "user-1"}
	fx.applier.updateResult = &domain.Config{ID: "cfg-1", Version: 6}

	cfg, err := fx.svc.ApproveProposal(context.Background(), ApproveProposalRequest{ProposalID: "prop-1", ReviewerUserID: "user-1", Identity: maintainer()})
	require.NoError(t, err)
	assert.Equal(t, int64(6), cfg.Version)
	assert.Equal(t, domain.ProposalApproved, fx.store.proposals["prop-1"].Status)
}

func TestApproveProposal_AppliesMergedTargetState(t *testing.T) {
	fx := newFixture()
	fx.configs.put(&domain.Config{
		ID: "cfg-1", ProjectID: "proj-1", Name: "feature-x", Version: 5, Value: "on",
		Description: "old description",
		Members:     []domain.Member{{UserID: "u1", Role: domain.RoleEditor}},
	})
	fx.projects.projects["proj-1"] = &domain.Project{ID: "proj-1", AllowSelfApprovals: true}
	fx.store.proposals["prop-1"] = &domain.Proposal{
		ID: "prop-1", ConfigID: "cfg-1", BaseConfigVersion: 5, Status: domain.ProposalPending, ProposerUserID: "user-1",
		Description: domain.NewValue("new description"),
		Base:        domain.ProposedVariant{Value: domain.NewValue("off")},
	}
	fx.applier.updateResult = &domain.Config{ID: "cfg-1", Version: 6}

	_, err := fx.svc.ApproveProposal(context.Background(), ApproveProposalRequest{ProposalID: "prop-1", ReviewerUserID: "user-2", Identity: maintainer()})
	require.NoError(t, err)

	require.Len(t, fx.applier.updateCalls, 1)
	req := fx.applier.updateCalls[0]
	assert.Equal(t, "off", req.Base.Value)
	assert.Equal(t, "new description", req.Description)
	assert.Equal(t, []domain.Member{{UserID: "u1", Role: domain.RoleEditor}}, req.Members, "unchanged field state passes the current value through")
	assert.Equal(t, "prop-1", req.OriginalProposalID)
}

func TestApproveProposal_DeletedProposalCallsDeleteConfig(t *testing.T) {
	fx := newFixture()
	fx.configs.put(&domain.Config{ID: "cfg-1", ProjectID: "proj-1", Name: "feature-x", Version: 5})
	fx.projects.projects["proj-1"] = &domain.Project{ID: "proj-1", AllowSelfApprovals: true}
	fx.store.proposals["prop-1"] = &domain.Proposal{ID: "prop-1", ConfigID: "cfg-1", BaseConfigVersion: 5, Status: domain.ProposalPending, ProposerUserID: "user-1", Deleted: true}

	cfg, err := fx.svc.ApproveProposal(context.Background(), ApproveProposalRequest{ProposalID: "prop-1", ReviewerUserID: "user-1", Identity: maintainer()})
	require.NoError(t, err)
	assert.Nil(t, cfg)
	require.Len(t, fx.applier.deleteCalls, 1)
	assert.Equal(t, "prop-1", fx.applier.deleteCalls[0].ApprovingProposalID)
	assert.Equal(t, domain.ProposalApproved, fx.store.proposals["prop-1"].Status)
}

func TestRejectProposal_Success(t *testing.T) {
	fx := newFixture()
	fx.configs.put(&domain.Config{ID: "cfg-1", ProjectID: "proj-1", Name: "feature-x", Version: 5})
	fx.store.proposals["prop-1"] = &domain.Proposal{ID: "prop-1", ConfigID: "cfg-1", Status: domain.ProposalPending}

	err := fx.svc.RejectProposal(context.Background(), RejectProposalRequest{ProposalID: "prop-1", ReviewerUserID: "user-2", Identity: maintainer()})
	require.NoError(t, err)
	require.Len(t, fx.store.rejectCalls, 1)
	assert.Equal(t, domain.RejectedExplicitly, fx.store.rejectCalls[0].reason)
}

func TestRejectProposal_RequiresManage(t *testing.T) {
	fx := newFixture()
	fx.configs.put(&domain.Config{ID: "cfg-1", ProjectID: "proj-1", Name: "feature-x", Version: 5})
	fx.store.proposals["prop-1"] = &domain.Proposal{ID: "prop-1", ConfigID: "cfg-1", Status: domain.ProposalPending}

	err := fx.svc.RejectProposal(context.Background(), RejectProposalRequest{ProposalID: "prop-1", Identity: editor()})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, apiErr.Code)
}

func TestRejectProposal_AlreadyTerminalRejected(t *testing.T) {
	fx := newFixture()
	fx.store.proposals["prop-1"] = &domain.Proposal{ID: "prop-1", ConfigID: "cfg-1", Status: domain.ProposalRejected}

	err := fx.svc.RejectProposal(context.Background(), RejectProposalRequest{ProposalID: "prop-1", Identity: maintainer()})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvariant, apiErr.Code)
}
