package stage

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shpitdev/smartmap/pkg/pipeline/core"
)

//go:embed stages.yaml
var defaultStagesYAML []byte

// file is the on-disk YAML layout.
//
// Example:
//
//	stages:
//	  - name: profiling
//	    inputs: [template_table, source_table]
//	    output: profile
//	    template: |
//	      ...{{.template_table}}...
type file struct {
	Stages []Definition `yaml:"stages"`
}

// Default returns the canonical five-stage mapping sequence.
func Default() []Definition {
	defs, err := Load(bytes.NewReader(defaultStagesYAML))
	if err != nil {
		panic(fmt.Sprintf("embedded stages.yaml is invalid: %v", err))
	}
	return defs
}

// Load parses and validates stage definitions from YAML.
func Load(r io.Reader) ([]Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, core.Configuration("parse stages YAML", err)
	}
	if len(f.Stages) == 0 {
		return nil, core.Configurationf("parse stages YAML", "no stages defined")
	}
	for i := range f.Stages {
		f.Stages[i].Name = strings.TrimSpace(f.Stages[i].Name)
		f.Stages[i].Output = strings.TrimSpace(f.Stages[i].Output)
		if err := f.Stages[i].Validate(); err != nil {
			return nil, err
		}
	}
	return f.Stages, nil
}

// LoadFile reads stage definitions from path. An empty path yields Default().
func LoadFile(path string) ([]Definition, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Configuration("read stages file", err)
	}
	return Load(bytes.NewReader(b))
}
