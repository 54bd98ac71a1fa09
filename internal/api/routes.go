package api

import (
	"log"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, logger *log.Logger) *mux.Router {
	r := mux.NewRouter()

	r.Use(LoggingMiddleware(logger))
	r.Use(RecoveryMiddleware(logger))

	r.HandleFunc("/healthz", h.Health).Methods("GET")

	r.HandleFunc("/api/v1/sessions", h.CreateSession).Methods("POST")
	r.HandleFunc("/api/v1/sessions", h.ListSessions).Methods("GET")
	r.HandleFunc("/api/v1/sessions/{sessionID}", h.GetSession).Methods("GET")
	r.HandleFunc("/api/v1/sessions/{sessionID}", h.DeleteSession).Methods("DELETE")
	r.HandleFunc("/api/v1/sessions/{sessionID}/template", h.PutTemplate).Methods("PUT")

	r.HandleFunc("/api/v1/sessions/{sessionID}/runs/{role}", h.GetRun).Methods("GET")
	r.HandleFunc("/api/v1/sessions/{sessionID}/runs/{role}/source", h.PutSource).Methods("PUT")
	r.HandleFunc("/api/v1/sessions/{sessionID}/runs/{role}/mapping", h.BeginMapping).Methods("POST")
	r.HandleFunc("/api/v1/sessions/{sessionID}/runs/{role}/code", h.PutCode).Methods("PUT")
	r.HandleFunc("/api/v1/sessions/{sessionID}/runs/{role}/execute", h.Execute).Methods("POST")
	r.HandleFunc("/api/v1/sessions/{sessionID}/runs/{role}/download", h.Download).Methods("GET")

	return r
}
