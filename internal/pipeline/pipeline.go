// Package pipeline runs an ordered chain of prompt stages against one
// (template, source) table pair.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shpitdev/smartmap/internal/backend"
	"github.com/shpitdev/smartmap/pkg/pipeline/core"
	"github.com/shpitdev/smartmap/pkg/pipeline/redact"
	"github.com/shpitdev/smartmap/pkg/pipeline/stage"
	"github.com/shpitdev/smartmap/pkg/table"
)

// Bundle maps stage output names to the text each stage produced.
type Bundle map[string]string

// Clone returns a copy of b.
func (b Bundle) Clone() Bundle {
	if b == nil {
		return nil
	}
	out := make(Bundle, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

type Options struct {
	Logger *log.Logger
}

// Pipeline is immutable after New and safe for concurrent Runs.
type Pipeline struct {
	stages  []stage.Definition
	backend backend.Backend
	logger  *log.Logger
}

// New checks each definition and that output names are unique. Whether the
// chain is satisfiable depends on the raw inputs and is checked by Run.
func New(stages []stage.Definition, b backend.Backend, opts Options) (*Pipeline, error) {
	if b == nil {
		return nil, core.Configurationf("pipeline", "no reasoning backend configured")
	}
	if len(stages) == 0 {
		return nil, core.Configurationf("pipeline", "no stages configured")
	}
	seen := make(map[string]string, len(stages))
	for _, d := range stages {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if prev, dup := seen[d.Output]; dup {
			return nil, core.Configurationf("pipeline", "output %q is produced by both %q and %q", d.Output, prev, d.Name)
		}
		seen[d.Output] = d.Name
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		stages:  append([]stage.Definition(nil), stages...),
		backend: b,
		logger:  logger,
	}, nil
}

// Stages returns a copy of the configured definitions.
func (p *Pipeline) Stages() []stage.Definition {
	return append([]stage.Definition(nil), p.stages...)
}

// Outputs returns the declared output names in stage order.
func (p *Pipeline) Outputs() []string {
	out := make([]string, 0, len(p.stages))
	for _, d := range p.stages {
		out = append(out, d.Output)
	}
	return out
}

// FinalOutput is the output of the last stage: the code text.
func (p *Pipeline) FinalOutput() string {
	return p.stages[len(p.stages)-1].Output
}

// Validate checks that every stage input is one of available or the output of
// a strictly earlier stage, and that no output shadows an earlier name.
func (p *Pipeline) Validate(available []string) error {
	have := make(map[string]struct{}, len(available)+len(p.stages))
	for _, a := range available {
		have[a] = struct{}{}
	}
	for i, d := range p.stages {
		for _, in := range d.Inputs {
			if _, ok := have[in]; !ok {
				return core.Configurationf(
					"pipeline",
					"stage %d (%s) references input %q that is neither a raw input nor an output of an earlier stage",
					i+1, d.Name, in,
				)
			}
		}
		if _, ok := have[d.Output]; ok {
			return core.Configurationf("pipeline", "stage %d (%s) output %q shadows an existing input", i+1, d.Name, d.Output)
		}
		have[d.Output] = struct{}{}
	}
	return nil
}

// Run executes the stages in order, threading each output into later stages.
//
// The dependency check happens before any backend call. On the first stage
// failure the run is abandoned: no partial bundle is returned.
func (p *Pipeline) Run(ctx context.Context, initial map[string]string) (Bundle, error) {
	available := make([]string, 0, len(initial))
	for k := range initial {
		available = append(available, k)
	}
	if err := p.Validate(available); err != nil {
		return nil, err
	}

	runID := backend.RunID(ctx)
	if runID == "-" {
		runID = uuid.NewString()
		ctx = backend.WithRunID(ctx, runID)
	}
	runStart := time.Now()
	p.logger.Printf("run=%s pipeline start: stages=%d outputs=%s", runID, len(p.stages), strings.Join(p.Outputs(), ","))

	scope := make(map[string]string, len(initial)+len(p.stages))
	for k, v := range initial {
		scope[k] = v
	}
	bundle := make(Bundle, len(p.stages))

	for i, d := range p.stages {
		stageStart := time.Now()
		out, err := d.Run(ctx, p.backend, scope)
		if err != nil {
			p.logger.Printf(
				"run=%s stage failed: stage=%d/%d name=%s duration=%s error=%q",
				runID, i+1, len(p.stages), d.Name, time.Since(stageStart).Round(time.Millisecond), redact.Secrets(err.Error()),
			)
			return nil, wrapStageErr(i+1, len(p.stages), err)
		}
		scope[d.Output] = out
		bundle[d.Output] = out
		p.logger.Printf(
			"run=%s stage complete: stage=%d/%d name=%s output=%s bytes=%d duration=%s",
			runID, i+1, len(p.stages), d.Name, d.Output, len(out), time.Since(stageStart).Round(time.Millisecond),
		)
	}

	p.logger.Printf("run=%s pipeline complete: duration=%s", runID, time.Since(runStart).Round(time.Millisecond))
	return bundle, nil
}

func wrapStageErr(k, n int, err error) error {
	switch core.KindOf(err) {
	case core.KindBackend, "":
		return core.Backend(fmt.Sprintf("pipeline aborted at stage %d/%d", k, n), err)
	default:
		return err
	}
}

// Inputs builds the raw inputs for a run. maxRows limits how many rows of each
// table are included in prompts; <= 0 includes every row.
func Inputs(template, source table.Table, maxRows int) map[string]string {
	return map[string]string{
		stage.InputTemplateTable: template.Text(maxRows),
		stage.InputSourceTable:   source.Text(maxRows),
	}
}
