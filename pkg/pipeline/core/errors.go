package core

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a pipeline failure. Every kind is recovered by the user
// (edit and rerun); nothing in the pipeline retries on its own.
type Kind string

const (
	// KindConfiguration covers missing credentials and malformed stage graphs.
	// The attempted operation never starts.
	KindConfiguration Kind = "configuration"
	// KindIngestion means uploaded content could not be parsed as a table.
	KindIngestion Kind = "ingestion"
	// KindBackend means a prompt stage call failed or returned unusable text.
	KindBackend Kind = "backend"
	// KindSynthesis means generated code could not be turned into a callable.
	KindSynthesis Kind = "synthesis"
	// KindExecution means the materialized callable failed on the source table.
	KindExecution Kind = "execution"
)

// Error is the classified error returned across package boundaries.
type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "stage mapping" or "materialize".
	Op  string
	Err error

	// Retryable hints that the same request may succeed if repeated (rate
	// limits, 5xx). It is surfaced to the user, never acted on automatically.
	Retryable bool
}

func (e *Error) Error() string {
	if e == nil {
		return "pipeline error"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if strings.TrimSpace(e.Op) != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the kind of the outermost classified error in err's chain, or
// "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err carries the retry hint.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}

func newError(kind Kind, op string, err error) *Error {
	if err == nil {
		err = errors.New("unknown failure")
	}
	// Keep the innermost classification when an already-classified error is
	// re-wrapped under the same kind.
	var inner *Error
	if errors.As(err, &inner) && inner.Kind == kind {
		if strings.TrimSpace(inner.Op) != "" {
			op = op + ": " + inner.Op
		}
		return &Error{Kind: kind, Op: op, Err: inner.Err, Retryable: inner.Retryable}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Configuration(op string, err error) error { return newError(KindConfiguration, op, err) }
func Ingestion(op string, err error) error     { return newError(KindIngestion, op, err) }
func Backend(op string, err error) error       { return newError(KindBackend, op, err) }
func Synthesis(op string, err error) error     { return newError(KindSynthesis, op, err) }
func Execution(op string, err error) error     { return newError(KindExecution, op, err) }

// Configurationf builds a configuration error from a format string.
func Configurationf(op, format string, args ...any) error {
	return Configuration(op, fmt.Errorf(format, args...))
}

// RetryableBackend marks a backend failure as transient.
func RetryableBackend(op string, err error) error {
	e := newError(KindBackend, op, err)
	e.Retryable = true
	return e
}
