// Package app wires sessions to files for the command-line modes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shpitdev/smartmap/internal/session"
	"github.com/shpitdev/smartmap/pkg/pipeline/core"
	localio "github.com/shpitdev/smartmap/pkg/pipeline/io/local"
)

// CodeFilename is the file each run's executed code is written to.
const CodeFilename = "convert.go"

// LocalOptions describes one local session. SourceB and the code overrides
// are optional.
type LocalOptions struct {
	TemplatePath string
	SourcePath   string
	SourceBPath  string
	OutDir       string

	// CodePath replaces the generated code of run A (and CodeBPath of run B)
	// before execution, as a user edit would.
	CodePath  string
	CodeBPath string
}

// RunLocal runs a full session on local files: mapping, optional edit,
// execution. Each run's stage outputs are written to OutDir/<role>/ and the
// converted tables to OutDir/table_<role>.csv.
//
// A failing run does not stop the other one; the returned error joins both.
func RunLocal(ctx context.Context, deps session.Deps, opts LocalOptions, sopts session.Options) error {
	if opts.TemplatePath == "" || opts.SourcePath == "" || opts.OutDir == "" {
		return core.Configurationf("local", "template, source and output directory are required")
	}
	logger := sopts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
		sopts.Logger = logger
	}

	tmpl, err := localio.ReadTableFile(opts.TemplatePath)
	if err != nil {
		return err
	}
	store := session.New(deps, sopts)
	if err := store.SetTemplate(tmpl); err != nil {
		return err
	}

	type job struct {
		role     session.Role
		source   string
		codePath string
	}
	jobs := []job{{role: session.RoleA, source: opts.SourcePath, codePath: opts.CodePath}}
	if opts.SourceBPath != "" {
		jobs = append(jobs, job{role: session.RoleB, source: opts.SourceBPath, codePath: opts.CodeBPath})
	}

	var errs []error
	for _, j := range jobs {
		if _, err := runRole(ctx, store, j.role, j.source, j.codePath, opts.OutDir, logger); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", j.role, err))
		}
	}
	return errors.Join(errs...)
}

func runRole(ctx context.Context, store *session.Store, role session.Role, sourcePath, codePath, outDir string, logger *log.Logger) (*session.Snapshot, error) {
	start := time.Now()
	src, err := localio.ReadTableFile(sourcePath)
	if err != nil {
		return nil, err
	}
	if _, err := store.Upload(role, src); err != nil {
		return nil, err
	}

	snap, err := store.BeginMapping(ctx, role)
	if err != nil {
		return nil, err
	}
	roleDir := filepath.Join(outDir, strings.ToLower(string(role)))
	if err := writeBundle(roleDir, snap); err != nil {
		return nil, err
	}

	if codePath != "" {
		code, err := os.ReadFile(codePath)
		if err != nil {
			return nil, core.Ingestion("read code", err)
		}
		d, err := store.EditCode(role, string(code))
		if err != nil {
			return nil, err
		}
		logger.Printf("session=%s role=%s applied code from %s: diff=%s", store.ID(), role, codePath, d.Summary())
		if err := writeFile(filepath.Join(roleDir, "edit.diff"), d.Unified()); err != nil {
			return nil, err
		}
	}

	snap, err = store.Execute(ctx, role)
	if err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(roleDir, CodeFilename), snap.Code+"\n"); err != nil {
		return nil, err
	}
	outPath := filepath.Join(outDir, store.Filename(role))
	if err := localio.WriteTableFile(outPath, *snap.Outcome.Table); err != nil {
		return nil, err
	}
	logConformance(logger, store.ID(), role, snap)
	logger.Printf(
		"session=%s role=%s wrote %s: rows=%d duration=%s",
		store.ID(), role, outPath, snap.Outcome.Table.Len(), time.Since(start).Round(time.Millisecond),
	)
	return snap, nil
}

// writeBundle writes each stage output to <dir>/<output>.md and the generated
// code to <dir>/convert.go.
func writeBundle(dir string, snap *session.Snapshot) error {
	for name, text := range snap.Bundle {
		if err := writeFile(filepath.Join(dir, name+".md"), text); err != nil {
			return err
		}
	}
	return writeFile(filepath.Join(dir, CodeFilename), snap.GeneratedCode+"\n")
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

func logConformance(logger *log.Logger, sessionID string, role session.Role, snap *session.Snapshot) {
	rep := snap.Outcome.Report
	if rep == nil {
		return
	}
	if rep.OK() && len(rep.EmptyColumns) == 0 {
		logger.Printf("session=%s role=%s conformance ok: rows=%d", sessionID, role, rep.Rows)
		return
	}
	logger.Printf(
		"session=%s role=%s conformance: missing=%s extra=%s order_matches=%t empty=%s",
		sessionID, role,
		strings.Join(rep.Missing, ","),
		strings.Join(rep.Extra, ","),
		rep.OrderMatches,
		strings.Join(rep.EmptyColumns, ","),
	)
}

// SourceName is the batch output name for a source file path.
func SourceName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
