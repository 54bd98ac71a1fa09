package stage_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shpitdev/smartmap/pkg/pipeline/core"
	"github.com/shpitdev/smartmap/pkg/pipeline/stage"
)

type generatorFunc func(ctx context.Context, prompt string) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     stage.Definition
		wantErr bool
	}{
		{
			name: "ok",
			def:  stage.Definition{Name: "s", Inputs: []string{"a", "b"}, Output: "c", Template: "{{.a}} {{.b}}"},
		},
		{
			name:    "missing name",
			def:     stage.Definition{Inputs: []string{"a"}, Output: "c", Template: "{{.a}}"},
			wantErr: true,
		},
		{
			name:    "missing output",
			def:     stage.Definition{Name: "s", Inputs: []string{"a"}, Template: "{{.a}}"},
			wantErr: true,
		},
		{
			name:    "no inputs",
			def:     stage.Definition{Name: "s", Output: "c", Template: "hi"},
			wantErr: true,
		},
		{
			name:    "duplicate input",
			def:     stage.Definition{Name: "s", Inputs: []string{"a", "a"}, Output: "c", Template: "{{.a}}"},
			wantErr: true,
		},
		{
			name:    "output shadows input",
			def:     stage.Definition{Name: "s", Inputs: []string{"a"}, Output: "a", Template: "{{.a}}"},
			wantErr: true,
		},
		{
			name:    "bad template",
			def:     stage.Definition{Name: "s", Inputs: []string{"a"}, Output: "c", Template: "{{.a"},
			wantErr: true,
		},
		{
			name:    "undeclared placeholder",
			def:     stage.Definition{Name: "s", Inputs: []string{"a"}, Output: "c", Template: "{{.a}} {{.z}}"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err=%v wantErr=%v", err, tt.wantErr)
			}
			if err != nil && !core.IsKind(err, core.KindConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestRender(t *testing.T) {
	def := stage.Definition{Name: "s", Inputs: []string{"a", "b"}, Output: "c", Template: "A={{.a}}\nB={{.b}}\n"}

	got, err := def.Render(map[string]string{"a": "1", "b": "{{.x}}", "extra": "ignored"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "A=1\nB={{.x}}" {
		t.Fatalf("Render()=%q", got)
	}

	_, err = def.Render(map[string]string{"a": "1"})
	if !core.IsKind(err, core.KindConfiguration) {
		t.Fatalf("missing input must be a configuration error, got %v", err)
	}
}

func TestRun(t *testing.T) {
	def := stage.Definition{Name: "profiling", Inputs: []string{"a"}, Output: "profile", Template: "profile {{.a}}"}

	t.Run("one call with rendered prompt", func(t *testing.T) {
		var prompts []string
		g := generatorFunc(func(_ context.Context, prompt string) (string, error) {
			prompts = append(prompts, prompt)
			return "described", nil
		})
		out, err := def.Run(context.Background(), g, map[string]string{"a": "x"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out != "described" {
			t.Fatalf("out=%q", out)
		}
		if len(prompts) != 1 || prompts[0] != "profile x" {
			t.Fatalf("unexpected prompts: %#v", prompts)
		}
	})

	t.Run("backend failure", func(t *testing.T) {
		g := generatorFunc(func(context.Context, string) (string, error) {
			return "", errors.New("unavailable")
		})
		_, err := def.Run(context.Background(), g, map[string]string{"a": "x"})
		if !core.IsKind(err, core.KindBackend) || !strings.Contains(err.Error(), "profiling") {
			t.Fatalf("expected backend error naming the stage, got %v", err)
		}
	})

	t.Run("empty response", func(t *testing.T) {
		g := generatorFunc(func(context.Context, string) (string, error) {
			return "  \n", nil
		})
		_, err := def.Run(context.Background(), g, map[string]string{"a": "x"})
		if !core.IsKind(err, core.KindBackend) {
			t.Fatalf("expected backend error, got %v", err)
		}
	})

	t.Run("missing input makes no call", func(t *testing.T) {
		called := false
		g := generatorFunc(func(context.Context, string) (string, error) {
			called = true
			return "x", nil
		})
		_, err := def.Run(context.Background(), g, map[string]string{})
		if !core.IsKind(err, core.KindConfiguration) || called {
			t.Fatalf("err=%v called=%v", err, called)
		}
	})
}
