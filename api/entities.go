package api

import (
	"net/http"
	"time"

	"github.com/garnizeh/volunteer-match/internal/lifecycle"
	"github.com/garnizeh/volunteer-match/internal/models"
)

type EntitiesHandler struct {
	svc *lifecycle.Service
}

func NewEntitiesHandler(svc *lifecycle.Service) *EntitiesHandler {
	return &EntitiesHandler{svc: svc}
}

type uploadResumeRequest struct {
	OwnerID          int64  `json:"owner_id,omitempty"`
	OriginalFilename string `json:"original_filename"`
	ExtractedText    string `json:"extracted_text,omitempty"`
}

type resumeTextRequest struct {
	Text string `json:"text"`
}

type createOpportunityRequest struct {
	OrgID          int64      `json:"org_id,omitempty"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	RequiredSkills string     `json:"required_skills"`
	Active         *bool      `json:"active,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`
}

type updateOpportunityRequest struct {
	Title          *string    `json:"title,omitempty"`
	Description    *string    `json:"description,omitempty"`
	RequiredSkills *string    `json:"required_skills,omitempty"`
	Active         *bool      `json:"active,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	ClearEndDate   bool       `json:"clear_end_date,omitempty"`
}

func (h *EntitiesHandler) UploadResume(w http.ResponseWriter, r *http.Request) {
	var req uploadResumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request")
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	if req.OwnerID == 0 {
		req.OwnerID = p.ID
	}

	res, err := h.svc.UploadResume(r.Context(), p, lifecycle.ResumeUpload{
		OwnerID:          req.OwnerID,
		OriginalFilename: req.OriginalFilename,
		ExtractedText:    req.ExtractedText,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, res, http.StatusCreated)
}

func (h *EntitiesHandler) SetResumeText(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid resume id")
		return
	}
	var req resumeTextRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request")
		return
	}
	p, _ := PrincipalFromContext(r.Context())

	res, err := h.svc.SetResumeText(r.Context(), p, id, req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, res, http.StatusOK)
}

func (h *EntitiesHandler) DeleteResume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid resume id")
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	if err := h.svc.DeleteResume(r.Context(), p, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EntitiesHandler) CreateOpportunity(w http.ResponseWriter, r *http.Request) {
	var req createOpportunityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request")
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	if req.OrgID == 0 {
		req.OrgID = p.ID
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	o, err := h.svc.CreateOpportunity(r.Context(), p, &models.Opportunity{
		OrgID:          req.OrgID,
		Title:          req.Title,
		Description:    req.Description,
		RequiredSkills: req.RequiredSkills,
		Active:         active,
		EndDate:        req.EndDate,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, o, http.StatusCreated)
}

func (h *EntitiesHandler) UpdateOpportunity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid opportunity id")
		return
	}
	var req updateOpportunityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, "invalid request")
		return
	}
	p, _ := PrincipalFromContext(r.Context())

	o, err := h.svc.UpdateOpportunity(r.Context(), p, id, lifecycle.OpportunityPatch{
		Title:          req.Title,
		Description:    req.Description,
		RequiredSkills: req.RequiredSkills,
		Active:         req.Active,
		EndDate:        req.EndDate,
		ClearEndDate:   req.ClearEndDate,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, o, http.StatusOK)
}

func (h *EntitiesHandler) DeleteOpportunity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		badRequest(w, "invalid opportunity id")
		return
	}
	p, _ := PrincipalFromContext(r.Context())
	if err := h.svc.DeleteOpportunity(r.Context(), p, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
