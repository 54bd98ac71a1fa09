package sandbox_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/shpitdev/smartmap/internal/materialize"
	"github.com/shpitdev/smartmap/internal/sandbox"
	"github.com/shpitdev/smartmap/pkg/pipeline/core"
	"github.com/shpitdev/smartmap/pkg/table"
)

func src() table.Table {
	return table.Table{Name: "source", Columns: []string{"a"}, Rows: [][]string{{"1"}}}
}

func TestExecute_Success(t *testing.T) {
	fn := func(in table.Table) (table.Table, error) {
		out := table.New("out", "b")
		out.Rows = append(out.Rows, []string{in.Value(0, "a") + "!"})
		return out, nil
	}
	got, err := sandbox.New(sandbox.Options{}).Execute(context.Background(), fn, src())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := table.Table{Name: "out", Columns: []string{"b"}, Rows: [][]string{{"1!"}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name    string
		fn      materialize.Func
		wantMsg string
	}{
		{name: "nil func", fn: nil, wantMsg: "no materialized function"},
		{
			name:    "returns error",
			fn:      func(table.Table) (table.Table, error) { return table.Table{}, errors.New("bad date 13/45/2024") },
			wantMsg: "bad date 13/45/2024",
		},
		{
			name:    "panics",
			fn:      func(in table.Table) (table.Table, error) { _ = in.Rows[10]; return in, nil },
			wantMsg: "panic: runtime error: index out of range",
		},
		{
			name:    "not table shaped",
			fn:      func(table.Table) (table.Table, error) { return table.Table{}, nil },
			wantMsg: "has no columns",
		},
		{
			name: "ragged result",
			fn: func(table.Table) (table.Table, error) {
				return table.Table{Columns: []string{"x", "y"}, Rows: [][]string{{"1"}}}, nil
			},
			wantMsg: "row 1 has 1 cells",
		},
	}
	sb := sandbox.New(sandbox.Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sb.Execute(context.Background(), tt.fn, src())
			if !core.IsKind(err, core.KindExecution) {
				t.Fatalf("expected execution error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestExecute_Timeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	fn := func(in table.Table) (table.Table, error) {
		<-release
		return in, nil
	}
	_, err := sandbox.New(sandbox.Options{Timeout: 20 * time.Millisecond}).Execute(context.Background(), fn, src())
	if !core.IsKind(err, core.KindExecution) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected execution timeout, got %v", err)
	}
}

func TestExecute_SourceIsIsolated(t *testing.T) {
	in := src()
	fn := func(tb table.Table) (table.Table, error) {
		tb.Rows[0][0] = "mutated"
		tb.Columns[0] = "mutated"
		return tb, nil
	}
	out, err := sandbox.New(sandbox.Options{}).Execute(context.Background(), fn, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if in.Rows[0][0] != "1" || in.Columns[0] != "a" {
		t.Fatalf("source table was mutated: %#v", in)
	}
	if out.Rows[0][0] != "mutated" {
		t.Fatalf("unexpected output: %#v", out)
	}
}

func TestExecute_InterpretedCode(t *testing.T) {
	fn, err := materialize.New(materialize.Options{}).Materialize(context.Background(), `
func Convert(src table.Table) (table.Table, error) {
	var rows [][]string
	return table.Table{Columns: src.Columns, Rows: rows[:1]}, nil
}`)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	_, err = sandbox.New(sandbox.Options{}).Execute(context.Background(), fn, src())
	if !core.IsKind(err, core.KindExecution) {
		t.Fatalf("expected execution error from interpreted panic, got %v", err)
	}
}
