// Package session holds the state of one mapping session: a template table and
// up to two independent runs that each map a source table onto it.
//
// Every Store method runs to completion under the store's lock, so actions on
// one session are applied one at a time. Runs never share state with each
// other; an operation on role A leaves role B untouched.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shpitdev/smartmap/internal/backend"
	"github.com/shpitdev/smartmap/internal/materialize"
	"github.com/shpitdev/smartmap/internal/pipeline"
	"github.com/shpitdev/smartmap/pkg/pipeline/core"
	"github.com/shpitdev/smartmap/pkg/pipeline/redact"
	"github.com/shpitdev/smartmap/pkg/pipeline/schema"
	"github.com/shpitdev/smartmap/pkg/table"
)

// ErrNoRun is wrapped by errors for a role that has no uploaded source.
var ErrNoRun = errors.New("no run for role")

// Mapper produces the stage bundle for one (template, source) pair.
// *pipeline.Pipeline implements it.
type Mapper interface {
	Run(ctx context.Context, initial map[string]string) (pipeline.Bundle, error)
	FinalOutput() string
}

// Materializer turns code text into a callable conversion.
type Materializer interface {
	Materialize(ctx context.Context, code string) (materialize.Func, error)
}

// Executor invokes a conversion on a source table.
type Executor interface {
	Execute(ctx context.Context, fn materialize.Func, src table.Table) (table.Table, error)
}

type Deps struct {
	Mapper       Mapper
	Materializer Materializer
	Executor     Executor
}

type Options struct {
	// PromptRows limits the rows of each table rendered into prompts; <= 0
	// renders every row.
	PromptRows int
	Logger     *log.Logger
}

// Outcome is the result of the last execution of a run.
type Outcome struct {
	Success bool           `json:"success"`
	Table   *table.Table   `json:"table,omitempty"`
	Report  *schema.Report `json:"report,omitempty"`
	Error   string         `json:"error,omitempty"`
	At      time.Time      `json:"at"`
}

// Snapshot is a read-only copy of a run.
type Snapshot struct {
	ID            string          `json:"id"`
	Role          Role            `json:"role"`
	State         State           `json:"state"`
	Source        table.Table     `json:"source"`
	Bundle        pipeline.Bundle `json:"bundle,omitempty"`
	GeneratedCode string          `json:"generated_code,omitempty"`
	Code          string          `json:"code,omitempty"`
	Diff          *CodeDiff       `json:"diff,omitempty"`
	Outcome       *Outcome        `json:"outcome,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LastErrorKind core.Kind       `json:"last_error_kind,omitempty"`
	History       []Transition    `json:"history"`
}

type run struct {
	id        string
	role      Role
	source    table.Table
	state     State
	bundle    pipeline.Bundle
	generated string
	code      string
	outcome   *Outcome
	lastErr   error
	history   []Transition
}

func (r *run) to(next State, note string) error {
	if !CanTransition(r.state, next) {
		return core.Configurationf("session", "run %s: illegal transition %s -> %s", r.role, r.state, next)
	}
	r.history = append(r.history, Transition{From: r.state, To: next, At: time.Now().UTC(), Note: note})
	r.state = next
	return nil
}

// restart drops everything derived from the source and returns to Uploaded.
func (r *run) restart(note string) error {
	r.bundle = nil
	r.generated = ""
	r.code = ""
	r.outcome = nil
	r.lastErr = nil
	if r.state == StateUploaded {
		return nil
	}
	return r.to(StateUploaded, note)
}

func (r *run) snapshot() *Snapshot {
	s := &Snapshot{
		ID:            r.id,
		Role:          r.role,
		State:         r.state,
		Source:        r.source.Clone(),
		Bundle:        r.bundle.Clone(),
		GeneratedCode: r.generated,
		Code:          r.code,
		History:       append([]Transition(nil), r.history...),
	}
	if r.state == StateEdited {
		d := diffCode(r.generated, r.code)
		s.Diff = &d
	}
	if r.outcome != nil {
		o := *r.outcome
		if o.Table != nil {
			t := o.Table.Clone()
			o.Table = &t
		}
		if o.Report != nil {
			rep := *o.Report
			o.Report = &rep
		}
		s.Outcome = &o
	}
	if r.lastErr != nil {
		s.LastError = redact.Secrets(r.lastErr.Error())
		s.LastErrorKind = core.KindOf(r.lastErr)
	}
	return s
}

// Store owns the template and the runs of one session.
type Store struct {
	mu       sync.Mutex
	id       string
	deps     Deps
	rows     int
	logger   *log.Logger
	template *table.Table
	runs     map[Role]*run
	created  time.Time
}

func New(deps Deps, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Store{
		id:      uuid.NewString(),
		deps:    deps,
		rows:    opts.PromptRows,
		logger:  logger,
		runs:    make(map[Role]*run, len(Roles)),
		created: time.Now().UTC(),
	}
}

// ID identifies the session.
func (s *Store) ID() string { return s.id }

// Created is when the session was created.
func (s *Store) Created() time.Time { return s.created }

// SetTemplate sets or replaces the template. Existing runs keep their sources
// but lose everything derived from the previous template.
func (s *Store) SetTemplate(t table.Table) error {
	if err := t.Validate(); err != nil {
		return core.Ingestion("template", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmpl := t.Clone()
	s.template = &tmpl
	for _, role := range Roles {
		r, ok := s.runs[role]
		if !ok {
			continue
		}
		if err := r.restart("template replaced"); err != nil {
			return err
		}
	}
	s.logger.Printf("session=%s template set: columns=%d rows=%d", s.id, len(t.Columns), t.Len())
	return nil
}

// Template returns a copy of the template, if one is set.
func (s *Store) Template() (table.Table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.template == nil {
		return table.Table{}, false
	}
	return s.template.Clone(), true
}

// Upload creates or replaces the run for role with a fresh Uploaded run.
func (s *Store) Upload(role Role, t table.Table) (*Snapshot, error) {
	role, err := ParseRole(string(role))
	if err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, core.Ingestion("source "+string(role), err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &run{id: uuid.NewString(), role: role, source: t.Clone()}
	if err := r.to(StateUploaded, "source uploaded"); err != nil {
		return nil, err
	}
	s.runs[role] = r
	s.logger.Printf("session=%s run=%s role=%s source uploaded: columns=%d rows=%d", s.id, r.id, r.role, len(t.Columns), t.Len())
	return r.snapshot(), nil
}

// BeginMapping runs the stage pipeline for role from scratch.
//
// Any previous bundle, code and outcome are discarded first. On failure the
// run stays Uploaded with the error recorded and no partial bundle.
func (s *Store) BeginMapping(ctx context.Context, role Role) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookup(role)
	if err != nil {
		return nil, err
	}
	if s.template == nil {
		return nil, core.Configurationf("mapping", "no template table uploaded")
	}
	if s.deps.Mapper == nil {
		return nil, core.Configurationf("mapping", "no pipeline configured")
	}
	if err := r.restart("mapping restarted"); err != nil {
		return nil, err
	}

	start := time.Now()
	ctx = backend.WithRunID(ctx, r.id)
	bundle, err := s.deps.Mapper.Run(ctx, pipeline.Inputs(*s.template, r.source, s.rows))
	if err != nil {
		r.lastErr = err
		s.logger.Printf("session=%s run=%s role=%s mapping failed: kind=%s error=%q", s.id, r.id, r.role, core.KindOf(err), redact.Secrets(err.Error()))
		return r.snapshot(), err
	}

	r.bundle = bundle
	if err := r.to(StateMapped, "pipeline complete"); err != nil {
		return nil, err
	}
	r.generated = materialize.ExtractSource(bundle[s.deps.Mapper.FinalOutput()])
	r.code = r.generated
	if err := r.to(StateCodeGenerated, ""); err != nil {
		return nil, err
	}
	s.logger.Printf(
		"session=%s run=%s role=%s mapping complete: outputs=%d code_bytes=%d duration=%s",
		s.id, r.id, r.role, len(bundle), len(r.code), time.Since(start).Round(time.Millisecond),
	)
	return r.snapshot(), nil
}

// EditCode replaces the code the run will execute. Submitting the generated
// text unchanged returns the run to CodeGenerated.
func (s *Store) EditCode(role Role, code string) (CodeDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookup(role)
	if err != nil {
		return CodeDiff{}, err
	}
	next := StateEdited
	if code == r.generated {
		next = StateCodeGenerated
	}
	if err := r.to(next, "code edited"); err != nil {
		return CodeDiff{}, err
	}
	if code != r.code {
		r.outcome = nil
	}
	r.code = code
	r.lastErr = nil

	d := diffCode(r.generated, code)
	s.logger.Printf("session=%s run=%s role=%s code edited: diff=%s", s.id, r.id, r.role, d.Summary())
	return d, nil
}

// Execute materializes the run's current code and applies it to the source.
//
// A synthesis error leaves the state unchanged. An execution error is itself an
// outcome: the run becomes Executed with a failed outcome.
func (s *Store) Execute(ctx context.Context, role Role) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.lookup(role)
	if err != nil {
		return nil, err
	}
	if !CanTransition(r.state, StateExecuted) {
		return nil, core.Configurationf("execute", "run %s has no code to execute (state %s)", role, r.state)
	}
	if s.deps.Materializer == nil || s.deps.Executor == nil {
		return nil, core.Configurationf("execute", "no materializer or executor configured")
	}

	start := time.Now()
	fn, err := s.deps.Materializer.Materialize(ctx, r.code)
	if err != nil {
		r.lastErr = err
		s.logger.Printf("session=%s run=%s role=%s materialize failed: error=%q", s.id, r.id, r.role, redact.Secrets(err.Error()))
		return r.snapshot(), err
	}

	out, err := s.deps.Executor.Execute(ctx, fn, r.source)
	if err != nil {
		r.lastErr = err
		r.outcome = &Outcome{Error: redact.Secrets(err.Error()), At: time.Now().UTC()}
		if terr := r.to(StateExecuted, "execution failed"); terr != nil {
			return nil, terr
		}
		s.logger.Printf("session=%s run=%s role=%s execution failed: error=%q", s.id, r.id, r.role, redact.Secrets(err.Error()))
		return r.snapshot(), err
	}

	out.Name = r.role.Filename()
	o := &Outcome{Success: true, Table: &out, At: time.Now().UTC()}
	if s.template != nil {
		rep := schema.Compare(*s.template, out)
		o.Report = &rep
	}
	r.outcome = o
	r.lastErr = nil
	if err := r.to(StateExecuted, "execution succeeded"); err != nil {
		return nil, err
	}
	s.logger.Printf(
		"session=%s run=%s role=%s execution complete: rows=%d columns=%d duration=%s",
		s.id, r.id, r.role, out.Len(), len(out.Columns), time.Since(start).Round(time.Millisecond),
	)
	return r.snapshot(), nil
}

// Snapshot returns a copy of the run for role.
func (s *Store) Snapshot(role Role) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.lookup(role)
	if err != nil {
		return nil, err
	}
	return r.snapshot(), nil
}

// Snapshots returns copies of every existing run in role order.
func (s *Store) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.runs))
	for _, role := range Roles {
		if r, ok := s.runs[role]; ok {
			out = append(out, *r.snapshot())
		}
	}
	return out
}

// Download writes the converted table of role as CSV.
func (s *Store) Download(role Role, w io.Writer) error {
	s.mu.Lock()
	r, err := s.lookup(role)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if r.outcome == nil || !r.outcome.Success || r.outcome.Table == nil {
		s.mu.Unlock()
		return core.Configurationf("download", "run %s has no successful conversion", role)
	}
	out := r.outcome.Table.Clone()
	s.mu.Unlock()

	if err := table.WriteCSV(w, out); err != nil {
		return fmt.Errorf("write %s: %w", role.Filename(), err)
	}
	return nil
}

// Filename is the download name for role.
func (s *Store) Filename(role Role) string {
	return role.Filename()
}

func (s *Store) lookup(role Role) (*run, error) {
	role, err := ParseRole(string(role))
	if err != nil {
		return nil, err
	}
	r, ok := s.runs[role]
	if !ok {
		return nil, core.Configuration("session", fmt.Errorf("%w %s", ErrNoRun, role))
	}
	return r, nil
}
