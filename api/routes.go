package api

import (
	"context"

	"github.com/gorilla/mux"

	"github.com/garnizeh/volunteer-match/internal/audit"
	"github.com/garnizeh/volunteer-match/internal/config"
	"github.com/garnizeh/volunteer-match/internal/lifecycle"
	"github.com/garnizeh/volunteer-match/internal/models"
	"github.com/garnizeh/volunteer-match/internal/ranking"
	"github.com/garnizeh/volunteer-match/internal/scoring"
)

// Deps are the services the HTTP layer delegates to.
type Deps struct {
	Store interface {
		entityReader
		statsReader
	}
	Lifecycle *lifecycle.Service
	Ranking   *ranking.Engine
	Scoring   *scoring.Orchestrator
	Audit     *audit.Recorder
	Health    func(ctx context.Context) error
}

func SetupRoutes(cfg *config.Config, version, buildTime string, deps Deps) *mux.Router {
	r := mux.NewRouter()

	// Middleware chain
	r.Use(LoggingMiddleware)
	r.Use(CORSMiddleware)
	r.Use(RecoveryMiddleware)

	// Create handlers
	systemHandler := &SystemHandler{Check: deps.Health}
	matchesHandler := NewMatchesHandler(deps.Store, deps.Ranking)
	entitiesHandler := NewEntitiesHandler(deps.Lifecycle)
	adminHandler := NewAdminHandler(deps.Scoring, deps.Audit, deps.Store)

	// Open endpoints
	r.HandleFunc("/version", systemHandler.VersionHandler(version, buildTime)).Methods("GET")
	r.HandleFunc("/health", systemHandler.HealthHandler).Methods("GET")

	// API v1 Protected routes
	apiV1 := r.PathPrefix("/v1").Subrouter()
	apiV1.Use(JWTAuthMiddlewareWithSecret(cfg.JWTSecret))

	// Rankings and candidate status
	apiV1.HandleFunc("/resumes/{id:[0-9]+}/matches", matchesHandler.TopMatches).Methods("GET")
	apiV1.HandleFunc("/opportunities/{id:[0-9]+}/candidates", matchesHandler.TopCandidates).Methods("GET")
	apiV1.HandleFunc("/scores/{id:[0-9]+}/status", matchesHandler.UpdateStatus).Methods("PUT")

	// Entity lifecycle
	apiV1.HandleFunc("/resumes", entitiesHandler.UploadResume).Methods("POST")
	apiV1.HandleFunc("/resumes/{id:[0-9]+}/text", entitiesHandler.SetResumeText).Methods("PUT")
	apiV1.HandleFunc("/resumes/{id:[0-9]+}", entitiesHandler.DeleteResume).Methods("DELETE")
	apiV1.HandleFunc("/opportunities", entitiesHandler.CreateOpportunity).Methods("POST")
	apiV1.HandleFunc("/opportunities/{id:[0-9]+}", entitiesHandler.UpdateOpportunity).Methods("PUT")
	apiV1.HandleFunc("/opportunities/{id:[0-9]+}", entitiesHandler.DeleteOpportunity).Methods("DELETE")

	// Administration
	admin := apiV1.PathPrefix("/admin").Subrouter()
	admin.Use(RequireRole(models.RoleAdmin))
	admin.HandleFunc("/resumes/{id:[0-9]+}/rescore", adminHandler.RescoreResume).Methods("POST")
	admin.HandleFunc("/opportunities/{id:[0-9]+}/rescore", adminHandler.RescoreOpportunity).Methods("POST")
	admin.HandleFunc("/scores/{resume:[0-9]+}/{opportunity:[0-9]+}", adminHandler.ScorePair).Methods("POST")
	admin.HandleFunc("/audit", adminHandler.ListAudit).Methods("GET")
	admin.HandleFunc("/scoring/status", adminHandler.ScoringStatus).Methods("GET")
	admin.HandleFunc("/scoring/unscored", adminHandler.ScoreUnscored).Methods("POST")

	return r
}
