package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/garnizeh/volunteer-match/internal/audit"
	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/internal/scoring"
)

type statsReader interface {
	ScoringStats(ctx context.Context) (*models.ScoringStats, error)
}

type AdminHandler struct {
	orch  *scoring.Orchestrator
	audit *audit.Recorder
	stats statsReader
}

func NewAdminHandler(orch *scoring.Orchestrator, rec *audit.Recorder, stats statsReader) *AdminHandler {
	return &AdminHandler{orch: orch, audit: rec, stats: stats}
}

func (h *AdminHandler) RescoreResume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid resume id")
		return
	}
	rep, err := h.orch.RescoreForResume(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, rep, http.StatusOK)
}

func (h *AdminHandler) RescoreOpportunity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid opportunity id")
		return
	}
	rep, err := h.orch.RescoreForOpportunity(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, rep, http.StatusOK)
}

// ScorePair serves POST /v1/admin/scores/{resume}/{opportunity}. Oracle
// failures surface as 503.
func (h *AdminHandler) ScorePair(w http.ResponseWriter, r *http.Request) {
	resumeID, ok := pathID(r, "resume")
	if !ok {
		badRequest(w, "invalid resume id")
		return
	}
	oppID, ok := pathID(r, "opportunity")
	if !ok {
		badRequest(w, "invalid opportunity id")
		return
	}
	rec, err := h.orch.ScorePair(r.Context(), resumeID, oppID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, rec, http.StatusOK)
}

// ScoreUnscored serves POST /v1/admin/scoring/unscored: a fan-out over the
// pairs that have no score record yet.
func (h *AdminHandler) ScoreUnscored(w http.ResponseWriter, r *http.Request) {
	rep, err := h.orch.ScoreUnscored(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, rep, http.StatusOK)
}

func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.AuditFilter{EntityKind: models.EntityKind(q.Get("entity_kind"))}
	switch f.EntityKind {
	case "", models.EntityResume, models.EntityOpportunity, models.EntityScoreRecord:
	default:
		badRequest(w, "invalid entity_kind")
		return
	}
	if s := q.Get("entity_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			badRequest(w, "invalid entity_id")
			return
		}
		f.EntityID = id
	}
	limit, ok := queryInt(r, "limit")
	if !ok || limit > 1000 {
		badRequest(w, "invalid limit")
		return
	}
	f.Limit = limit

	entries, err := h.audit.List(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	writeJSON(w, map[string]any{"items": entries}, http.StatusOK)
}

func (h *AdminHandler) ScoringStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.stats.ScoringStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, st, http.StatusOK)
}
