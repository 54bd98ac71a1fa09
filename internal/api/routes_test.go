package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shpitdev/smartmap/internal/api"
	"github.com/shpitdev/smartmap/internal/backend"
	"github.com/shpitdev/smartmap/internal/materialize"
	"github.com/shpitdev/smartmap/internal/pipeline"
	"github.com/shpitdev/smartmap/internal/sandbox"
	"github.com/shpitdev/smartmap/internal/session"
	"github.com/shpitdev/smartmap/pkg/pipeline/core"
	"github.com/shpitdev/smartmap/pkg/pipeline/stage"
)

const convertCode = "```go\n" + `import "strings"

func Convert(src table.Table) (table.Table, error) {
	out := table.New("converted", "PolicyID")
	for i := 0; i < src.Len(); i++ {
		out.Rows = append(out.Rows, []string{strings.ReplaceAll(src.Value(i, "Policy-Number"), "-", "")})
	}
	return out, nil
}
` + "```"

// Every stage gets the same reply, so the final output is the code. A source
// cell containing FAIL makes the backend fail.
func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	b := backend.Func(func(_ context.Context, prompt string) (string, error) {
		if strings.Contains(prompt, "FAIL") {
			return "", errors.New("upstream 503 with key=AIzaSyDUMMYDUMMYDUMMYDUMMYDUMMYDUMMY12")
		}
		return convertCode, nil
	})
	p, err := pipeline.New(stage.Default(), b, pipeline.Options{Logger: logger})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	sessions := api.NewSessions(func() *session.Store {
		return session.New(session.Deps{
			Mapper:       p,
			Materializer: materialize.New(materialize.Options{}),
			Executor:     sandbox.New(sandbox.Options{}),
		}, session.Options{Logger: logger})
	})
	srv := httptest.NewServer(api.SetupRoutes(api.NewHandler(sessions, logger), logger))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out
}

func createSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/sessions", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status=%d body=%s", resp.StatusCode, body)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &created); err != nil || created.ID == "" {
		t.Fatalf("decode %s: %v", body, err)
	}
	return created.ID
}

func decodeError(t *testing.T, body []byte) (string, string) {
	t.Helper()
	var e struct {
		Kind  string `json:"kind"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error body %s: %v", body, err)
	}
	return e.Kind, e.Error
}

func TestSessionFlow(t *testing.T) {
	srv := newServer(t)
	id := createSession(t, srv)
	base := srv.URL + "/api/v1/sessions/" + id

	steps := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPut, "/template", "PolicyID\nXY9999\n", http.StatusOK},
		{http.MethodPut, "/runs/A/source", "Policy-Number\nAB-1234\n", http.StatusOK},
		{http.MethodPost, "/runs/A/mapping", "", http.StatusOK},
		{http.MethodPost, "/runs/A/execute", "", http.StatusOK},
	}
	for _, s := range steps {
		resp, body := do(t, s.method, base+s.path, s.body)
		if resp.StatusCode != s.want {
			t.Fatalf("%s %s: status=%d want %d body=%s", s.method, s.path, resp.StatusCode, s.want, body)
		}
	}

	resp, body := do(t, http.MethodGet, base+"/runs/a", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run: status=%d", resp.StatusCode)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.State != session.StateExecuted || snap.Outcome == nil || !snap.Outcome.Success {
		t.Fatalf("unexpected run: %s", body)
	}

	resp, body = do(t, http.MethodGet, base+"/runs/A/download", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download: status=%d body=%s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Disposition"); got != `attachment; filename="table_a.csv"` {
		t.Fatalf("Content-Disposition=%q", got)
	}
	if string(body) != "PolicyID\nAB1234\n" {
		t.Fatalf("download body=%q", body)
	}

	resp, body = do(t, http.MethodGet, base, "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"template"`)) {
		t.Fatalf("get session: status=%d body=%s", resp.StatusCode, body)
	}

	resp, _ = do(t, http.MethodDelete, base, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status=%d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, base+"/runs/A", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted session: status=%d", resp.StatusCode)
	}
}

func TestEditCodeAndSynthesisError(t *testing.T) {
	srv := newServer(t)
	base := srv.URL + "/api/v1/sessions/" + createSession(t, srv)

	do(t, http.MethodPut, base+"/template", "PolicyID\nXY9999\n")
	do(t, http.MethodPut, base+"/runs/B/source", "Policy-Number\nAB-1234\n")
	if resp, body := do(t, http.MethodPost, base+"/runs/B/mapping", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("mapping: status=%d body=%s", resp.StatusCode, body)
	}

	resp, body := do(t, http.MethodPut, base+"/runs/B/code", "func Transform(src table.Table) (table.Table, error) { return src, nil }")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("edit: status=%d body=%s", resp.StatusCode, body)
	}
	var edit struct {
		Summary string           `json:"summary"`
		Run     session.Snapshot `json:"run"`
	}
	if err := json.Unmarshal(body, &edit); err != nil {
		t.Fatalf("decode edit: %v", err)
	}
	// The generated Convert is nine lines, all replaced by one.
	if edit.Run.State != session.StateEdited || edit.Summary != "+1 -9" {
		t.Fatalf("unexpected edit response: %s", body)
	}

	resp, body = do(t, http.MethodPost, base+"/runs/B/execute", "")
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("execute: status=%d body=%s", resp.StatusCode, body)
	}
	if kind, _ := decodeError(t, body); kind != string(core.KindSynthesis) {
		t.Fatalf("kind=%q", kind)
	}

	resp, _ = do(t, http.MethodGet, base+"/runs/B/download", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("download without outcome: status=%d", resp.StatusCode)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv := newServer(t)
	base := srv.URL + "/api/v1/sessions/" + createSession(t, srv)
	do(t, http.MethodPut, base+"/template", "PolicyID\nXY9999\n")
	do(t, http.MethodPut, base+"/runs/A/source", "Policy-Number\nFAIL-1\n")

	tests := []struct {
		name       string
		method     string
		url        string
		body       string
		wantStatus int
		wantKind   string
	}{
		{"unknown session", http.MethodGet, srv.URL + "/api/v1/sessions/nope/runs/A", "", http.StatusNotFound, "not_found"},
		{"unknown run", http.MethodGet, base + "/runs/B", "", http.StatusNotFound, "not_found"},
		{"bad role", http.MethodGet, base + "/runs/C", "", http.StatusBadRequest, string(core.KindConfiguration)},
		{"empty template", http.MethodPut, base + "/template", "", http.StatusBadRequest, string(core.KindIngestion)},
		{"ragged source", http.MethodPut, base + "/runs/B/source", "a,b\n1\n", http.StatusBadRequest, string(core.KindIngestion)},
		{"backend failure", http.MethodPost, base + "/runs/A/mapping", "", http.StatusBadGateway, string(core.KindBackend)},
		{"execute before mapping", http.MethodPost, base + "/runs/A/execute", "", http.StatusBadRequest, string(core.KindConfiguration)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, tt.url, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status=%d want %d body=%s", resp.StatusCode, tt.wantStatus, body)
			}
			kind, msg := decodeError(t, body)
			if kind != tt.wantKind {
				t.Fatalf("kind=%q want %q", kind, tt.wantKind)
			}
			if strings.Contains(msg, "AIza") {
				t.Fatalf("secret leaked: %s", msg)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{core.Configuration("x", errors.New("y")), http.StatusBadRequest},
		{core.Ingestion("x", errors.New("y")), http.StatusBadRequest},
		{core.Backend("x", errors.New("y")), http.StatusBadGateway},
		{core.Synthesis("x", errors.New("y")), http.StatusUnprocessableEntity},
		{core.Execution("x", errors.New("y")), http.StatusUnprocessableEntity},
		{core.Configuration("x", fmt.Errorf("%w A", session.ErrNoRun)), http.StatusNotFound},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := api.StatusFor(tt.err); got != tt.want {
			t.Fatalf("StatusFor(%v)=%d want %d", tt.err, got, tt.want)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var logs bytes.Buffer
	h := api.RecoveryMiddleware(log.New(&logs, "", 0))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.Contains(logs.String(), "panic: kaboom") {
		t.Fatalf("logs=%q", logs.String())
	}
}

func TestHealth(t *testing.T) {
	srv := newServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	if resp.StatusCode != http.StatusOK || !bytes.Contains(body, []byte(`"ok"`)) {
		t.Fatalf("healthz: status=%d body=%s", resp.StatusCode, body)
	}
}
