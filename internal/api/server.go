package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/stepdebug/internal/proxy"
	"github.com/shehryarbajwa/stepdebug/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter, requestsPerHour int) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Health).Methods("GET")

	api := r.PathPrefix("/v1/debug").Subrouter()

	// Commands that drive a browser are rate limited
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter, requestsPerHour))

	limited.HandleFunc("/start", h.StartSession).Methods("POST", "OPTIONS")
	limited.HandleFunc("/confirm-setup", h.ConfirmSetup).Methods("POST", "OPTIONS")
	limited.HandleFunc("/execute-step", h.ExecuteStep).Methods("POST", "OPTIONS")
	limited.HandleFunc("/execute-next/{id}", h.ExecuteNext).Methods("POST", "OPTIONS")
	limited.HandleFunc("/continuous/{id}", h.SetContinuous).Methods("POST", "OPTIONS")
	limited.HandleFunc("/stop", h.StopSession).Methods("POST", "OPTIONS")

	// Polling endpoints (not rate limited)
	api.HandleFunc("/status/{id}", h.GetStatus).Methods("GET")
	api.HandleFunc("/instructions/{id}", h.GetInstructions).Methods("GET")
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}/screenshots", h.ArchiveScreenshots).Methods("GET")
	api.HandleFunc("/screenshots/{ref}", h.GetScreenshot).Methods("GET")

	// Live view (not rate limited)
	api.HandleFunc("/sessions/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := proxyServer.HandleDebugConnection(w, r, mux.Vars(r)["id"]); err != nil {
			h.writeError(w, r, err)
		}
	}).Methods("GET")

	r.Use(corsMiddleware)
	r.Use(LoggingMiddleware(h.log))

	return r
}
