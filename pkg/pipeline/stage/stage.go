// Package stage defines prompt stages: one templated request to the reasoning
// backend per stage, with named inputs and a single named output.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/shpitdev/smartmap/pkg/pipeline/core"
)

// Raw inputs every pipeline run starts from.
const (
	InputTemplateTable = "template_table"
	InputSourceTable   = "source_table"
)

// Generator is the reasoning backend as seen by a stage: one prompt in, one
// text response out.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Definition is a stateless stage declaration.
type Definition struct {
	Name     string   `yaml:"name"`
	Inputs   []string `yaml:"inputs"`
	Output   string   `yaml:"output"`
	Template string   `yaml:"template"`
}

// Validate checks the definition in isolation. Cross-stage dependencies are
// checked by the pipeline.
func (d Definition) Validate() error {
	op := "stage " + d.Name
	if strings.TrimSpace(d.Name) == "" {
		return core.Configuration("stage", errors.New("name is required"))
	}
	if strings.TrimSpace(d.Output) == "" {
		return core.Configuration(op, errors.New("output is required"))
	}
	if len(d.Inputs) == 0 {
		return core.Configuration(op, errors.New("at least one input is required"))
	}
	seen := make(map[string]struct{}, len(d.Inputs))
	for _, in := range d.Inputs {
		if strings.TrimSpace(in) == "" {
			return core.Configuration(op, errors.New("empty input name"))
		}
		if _, dup := seen[in]; dup {
			return core.Configurationf(op, "duplicate input %q", in)
		}
		if in == d.Output {
			return core.Configurationf(op, "output %q is also an input", in)
		}
		seen[in] = struct{}{}
	}

	tmpl, err := d.parse()
	if err != nil {
		return core.Configuration(op, err)
	}
	// Rendering against empty declared inputs surfaces placeholders that are
	// not declared.
	probe := make(map[string]string, len(d.Inputs))
	for _, in := range d.Inputs {
		probe[in] = ""
	}
	if err := tmpl.Execute(io.Discard, probe); err != nil {
		return core.Configuration(op, fmt.Errorf("template references an undeclared input: %w", err))
	}
	return nil
}

// Render fills the template. Every declared input must be present in inputs.
func (d Definition) Render(inputs map[string]string) (string, error) {
	op := "stage " + d.Name
	data := make(map[string]string, len(d.Inputs))
	for _, in := range d.Inputs {
		v, ok := inputs[in]
		if !ok {
			return "", core.Configurationf(op, "missing input %q", in)
		}
		data[in] = v
	}
	tmpl, err := d.parse()
	if err != nil {
		return "", core.Configuration(op, err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", core.Configuration(op, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// Run renders the prompt and issues exactly one backend call. The raw
// response text is returned; an empty response counts as a backend failure.
func (d Definition) Run(ctx context.Context, g Generator, inputs map[string]string) (string, error) {
	prompt, err := d.Render(inputs)
	if err != nil {
		return "", err
	}
	out, err := g.Generate(ctx, prompt)
	if err != nil {
		return "", core.Backend("stage "+d.Name, err)
	}
	if strings.TrimSpace(out) == "" {
		return "", core.Backend("stage "+d.Name, errors.New("empty response"))
	}
	return out, nil
}

func (d Definition) parse() (*template.Template, error) {
	return template.New(d.Name).Option("missingkey=error").Parse(d.Template)
}
