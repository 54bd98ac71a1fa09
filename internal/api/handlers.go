// Package api exposes mapping sessions over HTTP.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shpitdev/smartmap/internal/session"
	"github.com/shpitdev/smartmap/pkg/pipeline/core"
	localio "github.com/shpitdev/smartmap/pkg/pipeline/io/local"
	"github.com/shpitdev/smartmap/pkg/pipeline/redact"
	"github.com/shpitdev/smartmap/pkg/table"
)

// DefaultMaxBody bounds uploaded tables and code.
const DefaultMaxBody = 32 << 20

type Handler struct {
	sessions *Sessions
	logger   *log.Logger
	maxBody  int64
}

func NewHandler(sessions *Sessions, logger *log.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		logger:   logger,
		maxBody:  DefaultMaxBody,
	}
}

type errorResponse struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

type sessionResponse struct {
	ID       string             `json:"id"`
	Created  time.Time          `json:"created"`
	Template *table.Table       `json:"template,omitempty"`
	Runs     []session.Snapshot `json:"runs"`
}

type codeResponse struct {
	Summary string            `json:"summary"`
	Diff    session.CodeDiff  `json:"diff"`
	Run     *session.Snapshot `json:"run"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	st := h.sessions.Create()
	writeJSON(w, http.StatusCreated, map[string]string{"id": st.ID()})
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"ids": h.sessions.IDs()})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.Get(mux.Vars(r)["sessionID"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, describe(st))
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(mux.Vars(r)["sessionID"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PutTemplate(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.Get(mux.Vars(r)["sessionID"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	t, err := localio.ReadTableCSV("template", http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := st.SetTemplate(t); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, describe(st))
}

func (h *Handler) PutSource(w http.ResponseWriter, r *http.Request) {
	st, role, err := h.lookup(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	t, err := localio.ReadTableCSV("source_"+string(role), http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap, err := st.Upload(role, t)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	st, role, err := h.lookup(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap, err := st.Snapshot(role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) BeginMapping(w http.ResponseWriter, r *http.Request) {
	st, role, err := h.lookup(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap, err := st.BeginMapping(r.Context(), role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) PutCode(w http.ResponseWriter, r *http.Request) {
	st, role, err := h.lookup(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.writeError(w, core.Ingestion("read code", err))
		return
	}
	d, err := st.EditCode(role, string(body))
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap, err := st.Snapshot(role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, codeResponse{Summary: d.Summary(), Diff: d, Run: snap})
}

func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	st, role, err := h.lookup(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap, err := st.Execute(r.Context(), role)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	st, role, err := h.lookup(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := st.Download(role, &buf); err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", st.Filename(role)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) lookup(r *http.Request) (*session.Store, session.Role, error) {
	vars := mux.Vars(r)
	st, err := h.sessions.Get(vars["sessionID"])
	if err != nil {
		return nil, "", err
	}
	role, err := session.ParseRole(vars["role"])
	if err != nil {
		return nil, "", err
	}
	return st, role, nil
}

func describe(st *session.Store) sessionResponse {
	resp := sessionResponse{ID: st.ID(), Created: st.Created(), Runs: st.Snapshots()}
	if t, ok := st.Template(); ok {
		resp.Template = &t
	}
	return resp
}

// StatusFor maps an error to the HTTP status reported for it.
func StatusFor(err error) int {
	if errors.Is(err, errUnknownSession) || errors.Is(err, session.ErrNoRun) {
		return http.StatusNotFound
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	switch core.KindOf(err) {
	case core.KindConfiguration, core.KindIngestion:
		return http.StatusBadRequest
	case core.KindBackend:
		return http.StatusBadGateway
	case core.KindSynthesis, core.KindExecution:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	kind := string(core.KindOf(err))
	if status == http.StatusNotFound {
		kind = "not_found"
	}
	msg := redact.Secrets(err.Error())
	if status >= http.StatusInternalServerError {
		h.logger.Printf("request failed: status=%d kind=%s error=%q", status, kind, msg)
	}
	writeJSON(w, status, errorResponse{Kind: kind, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
