package gemini

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"

	"github.com/shpitdev/smartmap/pkg/pipeline/core"
)

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return false }

func TestClassifyErr(t *testing.T) {
	tests := []struct {
		name          string
		in            error
		wantKind      core.Kind
		wantRetryable bool
	}{
		{name: "nil", in: nil, wantKind: ""},
		{name: "api_429", in: genai.APIError{Code: 429}, wantKind: core.KindBackend, wantRetryable: true},
		{name: "api_503", in: genai.APIError{Code: 503}, wantKind: core.KindBackend, wantRetryable: true},
		{name: "api_400", in: genai.APIError{Code: 400}, wantKind: core.KindBackend},
		{name: "api_401", in: genai.APIError{Code: 401}, wantKind: core.KindConfiguration},
		{name: "api_403", in: genai.APIError{Code: 403}, wantKind: core.KindConfiguration},
		{name: "net_timeout", in: timeoutNetErr{}, wantKind: core.KindBackend, wantRetryable: true},
		{name: "deadline", in: context.DeadlineExceeded, wantKind: core.KindBackend, wantRetryable: true},
		{name: "other", in: errors.New("boom"), wantKind: core.KindBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyErr(tt.in)
			if k := core.KindOf(got); k != tt.wantKind {
				t.Fatalf("kind=%q want=%q (err=%v)", k, tt.wantKind, got)
			}
			if r := core.IsRetryable(got); r != tt.wantRetryable {
				t.Fatalf("retryable=%v want=%v (err=%v)", r, tt.wantRetryable, got)
			}
		})
	}
}

func TestNewRequiresCredential(t *testing.T) {
	_, err := New(context.Background(), Config{Model: "m"})
	if !core.IsKind(err, core.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewRejectsTemperature(t *testing.T) {
	temp := float32(3)
	_, err := New(context.Background(), Config{APIKey: "k", Temperature: &temp})
	if !core.IsKind(err, core.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewDefaultsModel(t *testing.T) {
	c, err := New(context.Background(), Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Model() != DefaultModel {
		t.Fatalf("Model()=%q want=%q", c.Model(), DefaultModel)
	}
}

func TestBlocked(t *testing.T) {
	if err := blocked(nil); !core.IsKind(err, core.KindBackend) {
		t.Fatalf("nil response: %v", err)
	}
	if err := blocked(&genai.GenerateContentResponse{}); !core.IsKind(err, core.KindBackend) {
		t.Fatalf("no candidates: %v", err)
	}
	resp := &genai.GenerateContentResponse{
		PromptFeedback: &genai.GenerateContentResponsePromptFeedback{BlockReason: genai.BlockedReasonSafety},
	}
	if err := blocked(resp); !core.IsKind(err, core.KindBackend) {
		t.Fatalf("blocked prompt: %v", err)
	}
	ok := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}}
	if err := blocked(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
