package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/internal/ranking"
)

type entityReader interface {
	GetResume(ctx context.Context, id int64) (*models.Resume, error)
	GetOpportunity(ctx context.Context, id int64) (*models.Opportunity, error)
}

type MatchesHandler struct {
	entities entityReader
	engine   *ranking.Engine
}

func NewMatchesHandler(entities entityReader, engine *ranking.Engine) *MatchesHandler {
	return &MatchesHandler{entities: entities, engine: engine}
}

type statusRequest struct {
	Status string `json:"status"`
}

// TopMatches serves GET /v1/resumes/{id}/matches. Only the resume owner and
// administrators may read it.
func (h *MatchesHandler) TopMatches(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid resume id")
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		badRequest(w, "invalid limit")
		return
	}

	p, _ := PrincipalFromContext(r.Context())
	if p.Role != models.RoleAdmin {
		res, err := h.entities.GetResume(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if res != nil && (p.Role != models.RoleVolunteer || res.OwnerID != p.ID) {
			writeJSON(w, errorResponse{Error: "forbidden"}, http.StatusForbidden)
			return
		}
	}

	items, err := h.engine.TopMatchesForResume(r.Context(), id, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []models.ScoreRecord{}
	}
	writeJSON(w, map[string]any{"resume_id": id, "items": items}, http.StatusOK)
}

// TopCandidates serves GET /v1/opportunities/{id}/candidates. Only the owning
// organization and administrators may read it.
func (h *MatchesHandler) TopCandidates(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid opportunity id")
		return
	}
	limit, ok := queryInt(r, "limit")
	if !ok {
		badRequest(w, "invalid limit")
		return
	}
	minScore := 0.0
	if s := r.URL.Query().Get("min_score"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			badRequest(w, "invalid min_score")
			return
		}
		minScore = v
	}

	p, _ := PrincipalFromContext(r.Context())
	if p.Role != models.RoleAdmin {
		opp, err := h.entities.GetOpportunity(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if opp != nil && (p.Role != models.RoleOrganization || opp.OrgID != p.ID) {
			writeJSON(w, errorResponse{Error: "forbidden"}, http.StatusForbidden)
			return
		}
	}

	items, err := h.engine.TopCandidatesForOpportunity(r.Context(), id, limit, minScore)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []models.Candidate{}
	}
	writeJSON(w, map[string]any{"opportunity_id": id, "items": items}, http.StatusOK)
}

// UpdateStatus serves PUT /v1/scores/{id}/status.
func (h *MatchesHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid score record id")
		return
	}
	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request")
		return
	}

	p, _ := PrincipalFromContext(r.Context())
	actor := int64(0)
	if p.Role == models.RoleOrganization {
		actor = p.ID
	}
	rec, err := h.engine.UpdateCandidateStatus(r.Context(), id, req.Status, actor)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, rec, http.StatusOK)
}
