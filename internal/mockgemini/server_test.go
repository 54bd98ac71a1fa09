package mockgemini_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shpitdev/smartmap/internal/mockgemini"
)

func post(t *testing.T, url, key, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if key != "" {
		req.Header.Set("x-goog-api-key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp, out
}

func TestServer_RepliesInOrderThenRepeatsLast(t *testing.T) {
	t.Parallel()

	srv := mockgemini.New(mockgemini.Texts("one", "two")...)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := ts.URL + "/v1beta/models/gemini-2.5-flash:generateContent"
	body := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	var texts []string
	for i := 0; i < 3; i++ {
		resp, out := post(t, url, "", body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d", resp.StatusCode)
		}
		cand := out["candidates"].([]any)[0].(map[string]any)
		part := cand["content"].(map[string]any)["parts"].([]any)[0].(map[string]any)
		texts = append(texts, part["text"].(string))
	}
	if strings.Join(texts, ",") != "one,two,two" {
		t.Fatalf("texts=%v", texts)
	}
	calls := srv.Calls()
	if len(calls) != 3 || calls[0].Model != "gemini-2.5-flash" || calls[0].Prompt != "hi" {
		t.Fatalf("calls=%+v", calls)
	}
}

func TestServer_RejectsWrongKeyAndScriptsErrors(t *testing.T) {
	t.Parallel()

	srv := mockgemini.New(mockgemini.Reply{Status: http.StatusTooManyRequests, Message: "quota"})
	srv.RequireAPIKey("secret")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := ts.URL + "/v1beta/models/m:generateContent"
	resp, _ := post(t, url, "nope", `{"contents":[]}`)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key: status=%d", resp.StatusCode)
	}
	resp, out := post(t, url, "secret", `{"contents":[]}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("scripted error: status=%d", resp.StatusCode)
	}
	if status := out["error"].(map[string]any)["status"]; status != "RESOURCE_EXHAUSTED" {
		t.Fatalf("status=%v", status)
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for name, body := range map[string]string{"2-mapping.md": "b", "1-profile.md": "a"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	replies, err := mockgemini.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(replies) != 2 || replies[0].Text != "a" || replies[1].Text != "b" {
		t.Fatalf("replies=%+v", replies)
	}
	if _, err := mockgemini.LoadDir(t.TempDir()); err == nil {
		t.Fatalf("expected error for empty directory")
	}
}
