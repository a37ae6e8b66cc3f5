package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const serviceName = "volunteer-match"

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type versionResponse struct {
	Version   string `json:"version"`
	BuildTime string `json:"buildTime"`
}

type SystemHandler struct {
	// Check reports whether backing services are reachable. Nil means always healthy.
	Check func(ctx context.Context) error
}

// HealthHandler answers 503 when Check fails within two seconds. The scoring
// oracle is not checked.
func (h *SystemHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if h.Check != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Check(ctx); err != nil {
			logger.Warn("health check failed", slog.Any("err", err))
			writeJSON(w, healthResponse{Status: "unavailable", Service: serviceName}, http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, healthResponse{Status: "ok", Service: serviceName}, http.StatusOK)
}

func (h *SystemHandler) VersionHandler(version, buildTime string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, versionResponse{Version: version, BuildTime: buildTime}, http.StatusOK)
	}
}
