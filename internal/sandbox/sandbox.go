// Package sandbox runs materialized conversions with fault isolation.
//
// A conversion gets a private copy of the source table and nothing else. Any
// error, panic, timeout or malformed result is reported as an execution error;
// none of them escape to the caller's goroutine.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/shpitdev/smartmap/internal/materialize"
	"github.com/shpitdev/smartmap/pkg/pipeline/core"
	"github.com/shpitdev/smartmap/pkg/table"
)

type Options struct {
	// Timeout bounds how long Execute waits for the conversion. Zero means no
	// bound. On timeout the interpreted goroutine cannot be stopped and is
	// abandoned.
	Timeout time.Duration
}

type Sandbox struct {
	timeout time.Duration
}

func New(opts Options) *Sandbox {
	return &Sandbox{timeout: opts.Timeout}
}

type outcome struct {
	out table.Table
	err error
}

// Execute calls fn with a clone of src as its only argument.
//
// The result is checked for shape only; whether its columns match the template
// is left to the caller to inspect.
func (s *Sandbox) Execute(ctx context.Context, fn materialize.Func, src table.Table) (table.Table, error) {
	if fn == nil {
		return table.Table{}, core.Execution("execute", errors.New("no materialized function"))
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	in := src.Clone()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v\n%s", r, trimStack(debug.Stack()))}
			}
		}()
		out, err := fn(in)
		done <- outcome{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return table.Table{}, core.Execution("execute", res.err)
		}
		if err := res.out.Validate(); err != nil {
			return table.Table{}, core.Execution("validate result", err)
		}
		return res.out.Clone(), nil
	case <-ctx.Done():
		return table.Table{}, core.Execution("execute", fmt.Errorf("conversion did not finish: %w", ctx.Err()))
	}
}

// trimStack keeps the first lines of a stack trace; interpreter frames are
// deep and not useful past the top.
func trimStack(stack []byte) []byte {
	const maxLines = 12
	n := 0
	for i, b := range stack {
		if b == '\n' {
			n++
			if n == maxLines {
				return stack[:i]
			}
		}
	}
	return stack
}
