// Package backend holds the reasoning-backend contract and the wrappers every
// concrete backend is composed with.
package backend

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/shpitdev/smartmap/pkg/pipeline/redact"
)

// Backend issues one text prompt and returns one text response.
type Backend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a function to the Backend interface.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Limited paces calls to next through a shared token bucket. One Limited may
// be shared by many pipelines; the limit is global across them.
type Limited struct {
	next    Backend
	limiter *rate.Limiter
}

// NewLimited wraps next with a limit of rps requests per second. rps <= 0
// returns next unchanged.
func NewLimited(next Backend, rps float64) Backend {
	if rps <= 0 {
		return next
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (l *Limited) Generate(ctx context.Context, prompt string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.next.Generate(ctx, prompt)
}

// WithTimeout bounds each call to next. timeout <= 0 returns next unchanged;
// a stalled call then blocks until the backend gives up.
func WithTimeout(next Backend, timeout time.Duration) Backend {
	if timeout <= 0 {
		return next
	}
	return Func(func(ctx context.Context, prompt string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return next.Generate(ctx, prompt)
	})
}

type runIDKey struct{}

// WithRunID tags ctx so Traced can attribute calls to a pipeline run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID returns the run id stored by WithRunID, or "-".
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// Traced logs one request line and one response line per call. Prompt and
// response bodies are not logged, only their sizes.
type Traced struct {
	next   Backend
	logger *log.Logger
	model  string
	calls  atomic.Int64
}

func NewTraced(next Backend, logger *log.Logger, model string) *Traced {
	if logger == nil {
		logger = log.Default()
	}
	return &Traced{next: next, logger: logger, model: model}
}

func (t *Traced) Generate(ctx context.Context, prompt string) (string, error) {
	call := t.calls.Add(1)
	runID := RunID(ctx)

	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	reqJSON, _ := json.Marshal(map[string]any{
		"model":        t.model,
		"prompt_bytes": len(prompt),
	})
	t.logger.Printf("run=%s backend request: call=%d deadlineIn=%s request=%s", runID, call, deadlineIn, string(reqJSON))

	start := time.Now()
	out, err := t.next.Generate(ctx, prompt)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		t.logger.Printf("run=%s backend response: call=%d duration=%s status=error error=%q", runID, call, elapsed, redact.Secrets(err.Error()))
		return out, err
	}
	t.logger.Printf("run=%s backend response: call=%d duration=%s status=ok response_bytes=%d", runID, call, elapsed, len(out))
	return out, nil
}

// Calls returns the number of calls made through t.
func (t *Traced) Calls() int64 {
	return t.calls.Load()
}
