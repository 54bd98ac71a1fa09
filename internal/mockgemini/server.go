// Package mockgemini serves a minimal Gemini generateContent endpoint with
// scripted replies, for offline runs and tests.
package mockgemini

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
	Model  string
	Prompt string
}

// Reply is one scripted response. A non-zero Status makes the call fail with
// a Gemini-style error body.
type Reply struct {
	Text    string
	Status  int
	Message string
}

// Server answers generateContent calls from a reply script, in call order.
// When the script runs out the last reply repeats.
type Server struct {
	mu      sync.Mutex
	calls   []Call
	replies []Reply
	next    int

	expectedKey string
}

func New(replies ...Reply) *Server {
	return &Server{replies: append([]Reply(nil), replies...)}
}

// Texts builds a script of successful replies.
func Texts(texts ...string) []Reply {
	out := make([]Reply, 0, len(texts))
	for _, t := range texts {
		out = append(out, Reply{Text: t})
	}
	return out
}

// LoadDir reads every regular file in dir, in name order, as one successful
// reply.
func LoadDir(dir string) ([]Reply, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([]Reply, 0, len(names))
	for _, n := range names {
		b, err := os.ReadFile(filepath.Join(dir, n))
		if err != nil {
			return nil, err
		}
		out = append(out, Reply{Text: string(b)})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no reply files in %s", dir)
	}
	return out, nil
}

// RequireAPIKey enforces that requests carry key in x-goog-api-key. An empty
// key disables the check.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedKey = strings.TrimSpace(key)
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

type part struct {
	Text string `json:"text,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
	Index        int     `json:"index"`
}

type generateResponse struct {
	Candidates   []candidate `json:"candidates"`
	ModelVersion string      `json:"modelVersion,omitempty"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// handle serves /{version}/models/{model}:generateContent.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	i := strings.Index(r.URL.Path, "/models/")
	if i < 0 || !strings.HasSuffix(r.URL.Path, ":generateContent") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	model := strings.TrimSuffix(r.URL.Path[i+len("/models/"):], ":generateContent")

	s.mu.Lock()
	expected := s.expectedKey
	s.mu.Unlock()
	if expected != "" && r.Header.Get("x-goog-api-key") != expected {
		writeError(w, http.StatusUnauthorized, "API key not valid. Please pass a valid API key.")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req generateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	var prompt strings.Builder
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			prompt.WriteString(p.Text)
		}
	}

	reply, ok := s.take(Call{Method: r.Method, Path: r.URL.Path, Model: model, Prompt: prompt.String()})
	if !ok {
		writeError(w, http.StatusInternalServerError, "mock has no scripted replies")
		return
	}
	if reply.Status != 0 {
		writeError(w, reply.Status, reply.Message)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(generateResponse{
		Candidates: []candidate{{
			Content:      content{Role: "model", Parts: []part{{Text: reply.Text}}},
			FinishReason: "STOP",
		}},
		ModelVersion: model,
	})
}

func (s *Server) take(c Call) (Reply, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if len(s.replies) == 0 {
		return Reply{}, false
	}
	idx := s.next
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	s.next++
	return s.replies[idx], true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	var e apiError
	e.Error.Code = status
	e.Error.Message = msg
	e.Error.Status = statusName(status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

func statusName(code int) string {
	switch code {
	case http.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "PERMISSION_DENIED"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case http.StatusServiceUnavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
