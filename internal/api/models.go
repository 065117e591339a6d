package api

// Request/response models for the Admin API's config/proposal
// endpoints, and conversion helpers to/from internal/domain.
//
// Mirrors the teacher's cmd/server/handlers/silence_models.go pattern:
// the wire shape is a dedicated, camelCase-tagged struct, never the
// domain type itself, translated at the handler boundary.

import (
	"github.com/meridianhq/configurator/internal/condition"
	"github.com/meridianhq/configurator/internal/domain"
)

// OverrideDTO is one override rule as it appears on the wire.
type OverrideDTO struct {
	Name       string               `json:"name"`
	Conditions []condition.Node     `json:"conditions"`
	Value      condition.Value      `json:"value"`
}

func (o OverrideDTO) toDomain() domain.Override {
	return domain.Override{Name: o.Name, Conditions: o.Conditions, Value: o.Value}
}

func overrideFromDomain(o domain.Override) OverrideDTO {
	return OverrideDTO{Name: o.Name, Conditions: o.Conditions, Value: o.Value}
}

// VariantDTO is a config's base or one environment's specialization.
type VariantDTO struct {
	EnvironmentID string         `json:"environmentId,omitempty"`
	Value         any            `json:"value"`
	Schema        map[string]any `json:"schema,omitempty"`
	Overrides     []OverrideDTO  `json:"overrides,omitempty"`
	UseBaseSchema bool           `json:"useBaseSchema,omitempty"`
}

func (v VariantDTO) toDomain() domain.Variant {
	overrides := make([]domain.Override, len(v.Overrides))
	for i, o := range v.Overrides {
		overrides[i] = o.toDomain()
	}
	return domain.Variant{
		EnvironmentID: v.EnvironmentID,
		Value:         v.Value,
		Schema:        v.Schema,
		Overrides:     overrides,
		UseBaseSchema: v.UseBaseSchema,
	}
}

func variantFromDomain(v domain.Variant) VariantDTO {
	overrides := make([]OverrideDTO, len(v.Overrides))
	for i, o := range v.Overrides {
		overrides[i] = overrideFromDomain(o)
	}
	return VariantDTO{
		EnvironmentID: v.EnvironmentID,
		Value:         v.Value,
		Schema:        v.Schema,
		Overrides:     overrides,
		UseBaseSchema: v.UseBaseSchema,
	}
}

// MemberDTO is a (user, role) pair attached to a config.
type MemberDTO struct {
	UserID string      `json:"userId"`
	Email  string      `json:"email"`
	Role   domain.Role `json:"role"`
}

func (m MemberDTO) toDomain() domain.Member {
	return domain.Member{UserID: m.UserID, Email: m.Email, Role: m.Role}
}

func memberFromDomain(m domain.Member) MemberDTO {
	return MemberDTO{UserID: m.UserID, Email: m.Email, Role: m.Role}
}

// CreateConfigRequest is the body of POST /projects/{projectId}/configs.
type CreateConfigRequest struct {
	Name         string                  `json:"name"`
	Description  string                  `json:"description"`
	Editors      []string                `json:"editors"`
	Maintainers  []string                `json:"maintainers"`
	Base         VariantDTO              `json:"base"`
	Environments []VariantDTO            `json:"environments"`
}

func (r CreateConfigRequest) members() []domain.Member {
	members := make([]domain.Member, 0, len(r.Editors)+len(r.Maintainers))
	for _, id := range r.Editors {
		members = append(members, domain.Member{UserID: id, Role: domain.RoleEditor})
	}
	for _, id := range r.Maintainers {
		members = append(members, domain.Member{UserID: id, Role: domain.RoleMaintainer})
	}
	return members
}

func (r CreateConfigRequest) environments() map[string]domain.Variant {
	out := make(map[string]domain.Variant, len(r.Environments))
	for _, e := range r.Environments {
		out[e.EnvironmentID] = e.toDomain()
	}
	return out
}

// ConfigResponse is the full config representation returned by GET/POST.
type ConfigResponse struct {
	ID           string                  `json:"id"`
	ProjectID    string                  `json:"projectId"`
	Name         string                  `json:"name"`
	Description  string                  `json:"description"`
	Base         VariantDTO              `json:"base"`
	Environments map[string]VariantDTO   `json:"environments"`
	Members      []MemberDTO             `json:"members"`
	Version      int64                   `json:"version"`
}

func configResponseFromDomain(cfg *domain.Config) ConfigResponse {
	environments := make(map[string]VariantDTO, len(cfg.Variants))
	for id, v := range cfg.Variants {
		environments[id] = variantFromDomain(v)
	}
	members := make([]MemberDTO, len(cfg.Members))
	for i, m := range cfg.Members {
		members[i] = memberFromDomain(m)
	}
	return ConfigResponse{
		ID:           cfg.ID,
		ProjectID:    cfg.ProjectID,
		Name:         cfg.Name,
		Description:  cfg.Description,
		Base:         variantFromDomain(cfg.BaseVariant()),
		Environments: environments,
		Members:      members,
		Version:      cfg.Version,
	}
}

// UpdateConfigRequest is the body of PUT /projects/{projectId}/configs/{name}.
type UpdateConfigRequest struct {
	Description  string       `json:"description"`
	PrevVersion  int64        `json:"prevVersion"`
	Base         VariantDTO   `json:"base"`
	Environments []VariantDTO `json:"environments"`
	Members      []MemberDTO  `json:"members"`
}

func (r UpdateConfigRequest) environments() map[string]domain.Variant {
	out := make(map[string]domain.Variant, len(r.Environments))
	for _, e := range r.Environments {
		out[e.EnvironmentID] = e.toDomain()
	}
	return out
}

func (r UpdateConfigRequest) members() []domain.Member {
	members := make([]domain.Member, len(r.Members))
	for i, m := range r.Members {
		members[i] = m.toDomain()
	}
	return members
}

// ReadConfigResponse is the SDK read API's response: the evaluated
// value plus which override (if any) produced it.
type ReadConfigResponse struct {
	Value           any    `json:"value"`
	MatchedOverride string `json:"matchedOverride,omitempty"`
	Version         int64  `json:"version,omitempty"`
}

// ProposedVariantDTO mirrors domain.ProposedVariant: a nil field means
// "leave this alone"; a present field (even JSON null) means "change
// this to the given value" — the same changed/unchanged split the
// teacher's UpdateSilenceRequest expresses with pointer fields.
type ProposedVariantDTO struct {
	EnvironmentID string          `json:"environmentId"`
	Value         *any            `json:"value,omitempty"`
	Schema        *map[string]any `json:"schema,omitempty"`
	Overrides     *[]OverrideDTO  `json:"overrides,omitempty"`
	UseBaseSchema *bool           `json:"useBaseSchema,omitempty"`
}

func (p ProposedVariantDTO) toDomain() domain.ProposedVariant {
	out := domain.ProposedVariant{EnvironmentID: p.EnvironmentID}
	if p.Value != nil {
		out.Value = domain.NewValue(*p.Value)
	}
	if p.Schema != nil {
		out.Schema = domain.NewValue(*p.Schema)
	}
	if p.Overrides != nil {
		overrides := make([]domain.Override, len(*p.Overrides))
		for i, o := range *p.Overrides {
			overrides[i] = o.toDomain()
		}
		out.Overrides = domain.NewValue(overrides)
	}
	if p.UseBaseSchema != nil {
		out.UseBaseSchema = domain.NewValue(*p.UseBaseSchema)
	}
	return out
}

// CreateProposalRequestDTO is the body of POST
// /projects/{projectId}/configs/{name}/proposals.
type CreateProposalRequestDTO struct {
	BaseConfigVersion int64                         `json:"baseConfigVersion"`
	Description       *string                       `json:"description,omitempty"`
	Members           *[]MemberDTO                  `json:"members,omitempty"`
	Deleted           bool                          `json:"deleted,omitempty"`
	Base              ProposedVariantDTO            `json:"base"`
	Environments      map[string]ProposedVariantDTO `json:"environments,omitempty"`
}

func (r CreateProposalRequestDTO) description() domain.FieldState {
	if r.Description == nil {
		return domain.Unchanged()
	}
	return domain.NewValue(*r.Description)
}

func (r CreateProposalRequestDTO) members() domain.FieldState {
	if r.Members == nil {
		return domain.Unchanged()
	}
	members := make([]domain.Member, len(*r.Members))
	for i, m := range *r.Members {
		members[i] = m.toDomain()
	}
	return domain.NewValue(members)
}

func (r CreateProposalRequestDTO) environments() map[string]domain.ProposedVariant {
	out := make(map[string]domain.ProposedVariant, len(r.Environments))
	for id, e := range r.Environments {
		out[id] = e.toDomain()
	}
	return out
}

// ProposalResponse is a proposal's wire representation.
type ProposalResponse struct {
	ID                string                 `json:"id"`
	ConfigID          string                 `json:"configId"`
	ProposerUserID    string                 `json:"proposerUserId"`
	BaseConfigVersion int64                  `json:"baseConfigVersion"`
	Deleted           bool                   `json:"deleted"`
	Status            domain.ProposalStatus  `json:"status"`
	ReviewerUserID    string                 `json:"reviewerUserId,omitempty"`
	RejectionReason   domain.RejectionReason `json:"rejectionReason,omitempty"`
}

func proposalResponseFromDomain(p *domain.Proposal) ProposalResponse {
	return ProposalResponse{
		ID:                p.ID,
		ConfigID:          p.ConfigID,
		ProposerUserID:    p.ProposerUserID,
		BaseConfigVersion: p.BaseConfigVersion,
		Deleted:           p.Deleted,
		Status:            p.Status,
		ReviewerUserID:    p.ReviewerUserID,
		RejectionReason:   p.RejectionReason,
	}
}
