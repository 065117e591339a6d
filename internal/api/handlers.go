// Package api implements the Admin API (config CRUD, proposal
// lifecycle, config-change websocket) and the SDK read API spec.md §6
// names. Grounded on the teacher's cmd/server/handlers package: one
// handler struct per resource, a constructor taking its collaborators,
// sendJSON/sendError response helpers, slog request logging — but
// shaped over internal/apierr instead of the teacher's ad hoc
// sendError(message, code) pairs, and over internal/configsvc and
// internal/proposal instead of a silencing.SilenceManager.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/meridianhq/configurator/internal/api/middleware"
	"github.com/meridianhq/configurator/internal/apierr"
	"github.com/meridianhq/configurator/internal/authz"
	"github.com/meridianhq/configurator/internal/configsvc"
	"github.com/meridianhq/configurator/internal/domain"
	"github.com/meridianhq/configurator/internal/eval"
	"github.com/meridianhq/configurator/internal/eventbus"
	"github.com/meridianhq/configurator/internal/proposal"
	"github.com/meridianhq/configurator/internal/reference"
	"github.com/meridianhq/configurator/internal/replica"
	"github.com/meridianhq/configurator/internal/variant"
)

// ReadStore is the primary-store surface the read path and proposal
// handlers need. Satisfied by *internal/store/postgres.Store.
type ReadStore interface {
	GetConfig(ctx context.Context, projectID, name string) (*domain.Config, error)
	GetConfigByID(ctx context.Context, id string) (*domain.Config, error)
}

// Handler wires the Admin API and SDK read API to their backing
// services. One Handler is shared across all routes; it carries no
// per-request state.
type Handler struct {
	configs   *configsvc.Service
	proposals *proposal.Service
	store     ReadStore
	replica   *replica.Store // nil when this process is not replica-backed
	events    *eventbus.Client
	logger    *slog.Logger
}

// NewHandler constructs a Handler. replicaStore and events may be nil
// (a primary-only process serves reads straight from store and has no
// /watch support).
func NewHandler(configs *configsvc.Service, proposals *proposal.Service, store ReadStore, replicaStore *replica.Store, events *eventbus.Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{configs: configs, proposals: proposals, store: store, replica: replicaStore, events: events, logger: logger}
}

// sendJSON writes data as a JSON response with the given status code.
func (h *Handler) sendJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// sendError writes err as a structured apierr response, tagging it
// with the inbound request id. Errors that are not already an
// *apierr.Error (a storage-layer failure that escaped unwrapped) are
// folded into a generic 500 rather than leaking internals.
func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		h.logger.Error("unhandled error", "error", err, "path", r.URL.Path)
		apiErr = apierr.Internal("internal error")
	}
	apierr.WriteError(w, apiErr.WithRequestID(middleware.GetRequestID(r.Context())))
}

// identityFor derives an authz.Identity from the authenticated
// Principal and, when a config is already loaded, the principal's
// per-config role via its membership list.
func identityFor(r *http.Request, cfg *domain.Config) authz.Identity {
	principal, _ := middleware.GetPrincipal(r.Context())
	id := authz.Identity{}
	if principal != nil {
		id.ProjectRole = principal.ProjectRole
	}
	if cfg != nil && principal != nil && principal.Key != nil {
		for _, m := range cfg.Members {
			if m.UserID == principal.Key.UserID {
				id.ConfigRole = m.Role
				break
			}
		}
	}
	return id
}

// actorID is the user id attributed to audit entries and config
// versions for this request: the SDK/Admin key's own UserID field when
// set (a human-issued Admin key), else the key id itself.
func actorID(r *http.Request) string {
	principal, ok := middleware.GetPrincipal(r.Context())
	if !ok || principal.Key == nil {
		return ""
	}
	if principal.Key.UserID != "" {
		return principal.Key.UserID
	}
	return principal.Key.ID
}

// requireProjectAccess rejects the request with 403 if the principal's
// key does not carry projectID in its ProjectIDs allowlist.
func (h *Handler) requireProjectAccess(w http.ResponseWriter, r *http.Request, projectID string) bool {
	principal, ok := middleware.GetPrincipal(r.Context())
	if !ok {
		h.sendError(w, r, apierr.Unauthorized("not authenticated"))
		return false
	}
	if !principal.AllowsProject(projectID) {
		h.sendError(w, r, apierr.Forbidden("this API key is not scoped to project %q", projectID))
		return false
	}
	return true
}

// CreateConfig handles POST /projects/{projectId}/configs.
func (h *Handler) CreateConfig(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	if !h.requireProjectAccess(w, r, projectID) {
		return
	}

	var req CreateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, r, apierr.BadRequest("invalid request body: %s", err))
		return
	}

	cfg, err := h.configs.CreateConfig(r.Context(), configsvc.CreateRequest{
		ProjectID:    projectID,
		Name:         req.Name,
		Description:  req.Description,
		ActorID:      actorID(r),
		Identity:     identityFor(r, nil),
		Base:         req.Base.toDomain(),
		Environments: req.environments(),
		Members:      req.members(),
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, configResponseFromDomain(cfg))
}

// GetConfig handles GET /projects/{projectId}/configs/{name}.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID, name := vars["projectId"], vars["name"]
	if !h.requireProjectAccess(w, r, projectID) {
		return
	}

	cfg, err := h.store.GetConfig(r.Context(), projectID, name)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	principal, _ := middleware.GetPrincipal(r.Context())
	gate := authz.New()
	if !gate.CanReadConfig(identityFor(r, cfg)) && (principal == nil || !principal.HasScope(middleware.ScopeWorkspaceAdmin)) {
		h.sendError(w, r, apierr.Forbidden("viewer role required to read this config"))
		return
	}

	h.sendJSON(w, http.StatusOK, configResponseFromDomain(cfg))
}

// UpdateConfig handles PUT /projects/{projectId}/configs/{name}.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID, name := vars["projectId"], vars["name"]
	if !h.requireProjectAccess(w, r, projectID) {
		return
	}

	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, r, apierr.BadRequest("invalid request body: %s", err))
		return
	}

	cfg, err := h.configs.UpdateConfig(r.Context(), configsvc.UpdateRequest{
		ProjectID:    projectID,
		Name:         name,
		Description:  req.Description,
		ActorID:      actorID(r),
		Identity:     identityFor(r, nil),
		PrevVersion:  req.PrevVersion,
		Base:         req.Base.toDomain(),
		Environments: req.environments(),
		Members:      req.members(),
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, http.StatusOK, configResponseFromDomain(cfg))
}

// DeleteConfig handles DELETE /projects/{projectId}/configs/{name}.
func (h *Handler) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID, name := vars["projectId"], vars["name"]
	if !h.requireProjectAccess(w, r, projectID) {
		return
	}

	var body struct {
		PrevVersion int64 `json:"prevVersion"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	err := h.configs.DeleteConfig(r.Context(), configsvc.DeleteRequest{
		ProjectID:   projectID,
		Name:        name,
		ActorID:     actorID(r),
		Identity:    identityFor(r, nil),
		PrevVersion: body.PrevVersion,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateProposal handles POST /projects/{projectId}/configs/{name}/proposals.
func (h *Handler) CreateProposal(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID, name := vars["projectId"], vars["name"]
	if !h.requireProjectAccess(w, r, projectID) {
		return
	}

	var req CreateProposalRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, r, apierr.BadRequest("invalid request body: %s", err))
		return
	}

	p, err := h.proposals.CreateProposal(r.Context(), proposal.CreateProposalRequest{
		ProjectID:         projectID,
		ConfigName:        name,
		ProposerUserID:    actorID(r),
		Identity:          identityFor(r, nil),
		BaseConfigVersion: req.BaseConfigVersion,
		Description:       req.description(),
		Members:           req.members(),
		Deleted:           req.Deleted,
		Base:              req.Base.toDomain(),
		Environments:      req.environments(),
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.sendJSON(w, http.StatusCreated, proposalResponseFromDomain(p))
}

// ApproveProposal handles POST /proposals/{proposalId}/approve.
func (h *Handler) ApproveProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := mux.Vars(r)["proposalId"]
	cfg, err := h.proposals.ApproveProposal(r.Context(), proposal.ApproveProposalRequest{
		ProposalID:     proposalID,
		ReviewerUserID: actorID(r),
		Identity:       identityFor(r, nil),
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if cfg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.sendJSON(w, http.StatusOK, configResponseFromDomain(cfg))
}

// RejectProposal handles POST /proposals/{proposalId}/reject.
func (h *Handler) RejectProposal(w http.ResponseWriter, r *http.Request) {
	proposalID := mux.Vars(r)["proposalId"]
	if err := h.proposals.RejectProposal(r.Context(), proposal.RejectProposalRequest{
		ProposalID:     proposalID,
		ReviewerUserID: actorID(r),
		Identity:       identityFor(r, nil),
	}); err != nil {
		h.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReadConfig handles POST
// /sdk/projects/{projectId}/configs/{name}/environments/{environmentId}/value,
// the SDK's config-read entry point: layer the requested environment
// over the config's base, render cross-config references, then
// evaluate overrides against the caller-supplied context.
func (h *Handler) ReadConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	projectID, name, environmentID := vars["projectId"], vars["name"], vars["environmentId"]
	if !h.requireProjectAccess(w, r, projectID) {
		return
	}

	var reqCtx map[string]any
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&reqCtx); err != nil {
			h.sendError(w, r, apierr.BadRequest("invalid request context: %s", err))
			return
		}
	}

	cfg, err := h.store.GetConfig(r.Context(), projectID, name)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	resolved := variant.Layer(cfg, environmentID)
	rendered, _, err := reference.Resolve(r.Context(), resolved.Overrides, environmentID, h.fetchReferencedValue)
	if err != nil {
		h.sendError(w, r, apierr.Transient("resolving referenced config: %s", err))
		return
	}

	outcome := eval.Evaluate(resolved.Value, rendered, reqCtx)
	resp := ReadConfigResponse{Value: outcome.Value, Version: cfg.Version}
	if outcome.MatchedOverride != nil {
		resp.MatchedOverride = outcome.MatchedOverride.Name
	}
	h.sendJSON(w, http.StatusOK, resp)
}

// fetchReferencedValue implements reference.FetchConfig: the raw
// (pre-override) value of another config at the same environment,
// served from the local replica when this process is replica-backed,
// else straight from the primary store.
func (h *Handler) fetchReferencedValue(ctx context.Context, projectID, configName, environmentID string) (any, bool, error) {
	if h.replica != nil {
		return h.replica.GetConfigValue(ctx, projectID, configName, environmentID)
	}
	cfg, err := h.store.GetConfig(ctx, projectID, configName)
	if err != nil {
		if apiErr, ok := apierr.As(err); ok && apiErr.Code == apierr.CodeNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return variant.Layer(cfg, environmentID).Value, true, nil
}
