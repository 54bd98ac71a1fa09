package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/shpitdev/smartmap/internal/session"
	"github.com/shpitdev/smartmap/pkg/pipeline/core"
	localio "github.com/shpitdev/smartmap/pkg/pipeline/io/local"
	"github.com/shpitdev/smartmap/pkg/pipeline/redact"
	"github.com/shpitdev/smartmap/pkg/pipeline/worker"
)

// BatchResult is the outcome for one source file.
type BatchResult struct {
	Source string
	OutDir string
	Rows   int
	Err    error
}

// BatchSummary collects per-source results in input order.
type BatchSummary struct {
	Results []BatchResult
}

// Failed counts sources that did not produce a converted table.
func (s BatchSummary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// RunBatch maps every source file against one template. Each source is an
// independent session run as role A and written to outDir/<source name>/.
//
// With worker.FailurePolicyFailFast the first failure cancels the rest and is
// returned; otherwise failures are reported in the summary only.
func RunBatch(
	ctx context.Context,
	deps session.Deps,
	templatePath string,
	sources []string,
	outDir string,
	wopts worker.Options,
	sopts session.Options,
) (BatchSummary, error) {
	if templatePath == "" || outDir == "" || len(sources) == 0 {
		return BatchSummary{}, core.Configurationf("batch", "template, output directory and at least one source are required")
	}
	logger := sopts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
		sopts.Logger = logger
	}

	tmpl, err := localio.ReadTableFile(templatePath)
	if err != nil {
		return BatchSummary{}, err
	}
	seen := make(map[string]string, len(sources))
	for _, src := range sources {
		name := SourceName(src)
		if prev, dup := seen[name]; dup {
			return BatchSummary{}, core.Configurationf("batch", "sources %s and %s would share output directory %q", prev, src, name)
		}
		seen[name] = src
	}

	runStart := time.Now()
	logger.Printf("batch start: sources=%d workers=%d", len(sources), wopts.Workers)

	var process core.ProcessFunc[string, BatchResult] = func(ctx context.Context, src string) (BatchResult, error) {
		dir := filepath.Join(outDir, SourceName(src))
		store := session.New(deps, sopts)
		if err := store.SetTemplate(tmpl); err != nil {
			return BatchResult{Source: src, OutDir: dir}, err
		}
		snap, err := runRole(ctx, store, session.RoleA, src, "", dir, logger)
		if err != nil {
			return BatchResult{Source: src, OutDir: dir}, err
		}
		return BatchResult{Source: src, OutDir: dir, Rows: snap.Outcome.Table.Len()}, nil
	}

	completed := 0
	onResult := func(r worker.Result[string, BatchResult]) error {
		completed++
		if r.Err != nil {
			logger.Printf("batch item failed: %d/%d source=%s error=%q", completed, len(sources), r.Input, redact.Secrets(r.Err.Error()))
			return nil
		}
		logger.Printf("batch item complete: %d/%d source=%s rows=%d", completed, len(sources), r.Input, r.Output.Rows)
		return nil
	}

	results, err := worker.ProcessAllWithCallback(ctx, sources, process.Process, onResult, wopts)
	if err != nil {
		return BatchSummary{}, fmt.Errorf("batch aborted: %w", err)
	}

	summary := BatchSummary{Results: make([]BatchResult, 0, len(results))}
	for _, r := range results {
		br := r.Output
		br.Source = r.Input
		br.Err = r.Err
		if br.OutDir == "" {
			br.OutDir = filepath.Join(outDir, SourceName(r.Input))
		}
		summary.Results = append(summary.Results, br)
	}
	logger.Printf(
		"batch complete: sources=%d failed=%d duration=%s",
		len(sources), summary.Failed(), time.Since(runStart).Round(time.Millisecond),
	)
	return summary, nil
}
