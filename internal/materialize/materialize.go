// Package materialize turns generated Go source into a callable conversion
// function using the yaegi interpreter.
//
// The interpreter only sees an allow-list of pure standard library packages
// and the table package: generated code cannot reach the filesystem, the
// network, the process environment or session state.
package materialize

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/shpitdev/smartmap/pkg/pipeline/core"
	"github.com/shpitdev/smartmap/pkg/table"
)

const (
	// DefaultFuncName is the function the synthesis stage is told to define.
	DefaultFuncName = "Convert"

	// TableImportPath is the import path generated code uses for table.Table.
	TableImportPath = "github.com/shpitdev/smartmap/pkg/table"
)

// Func is a materialized conversion.
type Func func(table.Table) (table.Table, error)

// DefaultAllowedImports are the standard library packages generated code may
// import.
var DefaultAllowedImports = []string{
	"errors",
	"fmt",
	"math",
	"regexp",
	"sort",
	"strconv",
	"strings",
	"time",
	"unicode",
	"unicode/utf8",
}

type Options struct {
	// FuncName is the top-level function to look up. Defaults to Convert.
	FuncName string
	// AllowedImports replaces DefaultAllowedImports when non-empty. The table
	// package is always allowed.
	AllowedImports []string
	// Timeout bounds binding, which runs package-level initializers. Zero
	// means only ctx bounds it.
	Timeout time.Duration
}

// Materializer binds generated code into fresh interpreters.
type Materializer struct {
	funcName string
	allowed  map[string]bool
	symbols  interp.Exports
	timeout  time.Duration
}

func New(opts Options) *Materializer {
	name := strings.TrimSpace(opts.FuncName)
	if name == "" {
		name = DefaultFuncName
	}
	imports := opts.AllowedImports
	if len(imports) == 0 {
		imports = DefaultAllowedImports
	}
	allowed := make(map[string]bool, len(imports)+1)
	for _, p := range imports {
		allowed[strings.TrimSpace(p)] = true
	}

	symbols := make(interp.Exports)
	for key, syms := range stdlib.Symbols {
		// Keys have the form "import/path/pkgname".
		i := strings.LastIndex(key, "/")
		if i < 0 {
			continue
		}
		if allowed[key[:i]] {
			symbols[key] = syms
		}
	}
	symbols[TableImportPath+"/table"] = tableSymbols()
	allowed[TableImportPath] = true

	return &Materializer{
		funcName: name,
		allowed:  allowed,
		symbols:  symbols,
		timeout:  opts.Timeout,
	}
}

// FuncName returns the function name looked up in generated code.
func (m *Materializer) FuncName() string {
	return m.funcName
}

// Materialize parses code, binds it and returns the named conversion. It does
// not call the function. Every failure is a synthesis error carrying the
// underlying parser or interpreter message, including binding that outlives
// ctx or the configured timeout.
func (m *Materializer) Materialize(ctx context.Context, code string) (fn Func, err error) {
	src := prepareSource(ExtractSource(code))

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "convert.go", src, parser.AllErrors)
	if err != nil {
		return nil, core.Synthesis("parse", err)
	}
	// Bind everything into package main so the function is always
	// addressable as main.<FuncName>.
	if file.Name.Name != "main" || needsTableImport(file) {
		start, end := fset.Position(file.Name.Pos()).Offset, fset.Position(file.Name.End()).Offset
		header := "main"
		if needsTableImport(file) {
			header += "\n\nimport \"" + TableImportPath + "\"\n"
		}
		src = src[:start] + header + src[end:]
		fset = token.NewFileSet()
		if file, err = parser.ParseFile(fset, "convert.go", src, parser.AllErrors); err != nil {
			return nil, core.Synthesis("parse", err)
		}
	}
	if err := m.checkImports(file); err != nil {
		return nil, core.Synthesis("imports", err)
	}
	if !m.declaresFunc(file) {
		return nil, core.Synthesis("materialize", fmt.Errorf("no top-level func %s found in generated code", m.funcName))
	}
	// The interpreter runs init and main while binding.
	if name := autoRunFunc(file); name != "" {
		return nil, core.Synthesis("materialize", fmt.Errorf("generated code must not declare func %s", name))
	}

	defer func() {
		if r := recover(); r != nil {
			fn = nil
			err = core.Synthesis("bind", fmt.Errorf("interpreter panic: %v", r))
		}
	}()

	i := interp.New(interp.Options{})
	if err := i.Use(m.symbols); err != nil {
		return nil, core.Synthesis("bind", fmt.Errorf("load symbols: %w", err))
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if _, err := i.EvalWithContext(ctx, src); err != nil {
		if ctx.Err() != nil {
			return nil, core.Synthesis("bind", fmt.Errorf("package initialization did not finish: %w", err))
		}
		return nil, core.Synthesis("bind", err)
	}
	v, err := i.Eval("main." + m.funcName)
	if err != nil {
		return nil, core.Synthesis("bind", fmt.Errorf("look up %s: %w", m.funcName, err))
	}
	if !v.IsValid() || v.Kind() != reflect.Func {
		return nil, core.Synthesis("bind", fmt.Errorf("%s is not a function", m.funcName))
	}
	f, ok := v.Interface().(func(table.Table) (table.Table, error))
	if !ok {
		return nil, core.Synthesis("bind", fmt.Errorf("%s has type %s, want func(table.Table) (table.Table, error)", m.funcName, v.Type()))
	}
	return Func(f), nil
}

func (m *Materializer) declaresFunc(file *ast.File) bool {
	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if ok && fd.Recv == nil && fd.Name.Name == m.funcName {
			return true
		}
	}
	return false
}

func autoRunFunc(file *ast.File) string {
	for _, decl := range file.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if ok && fd.Recv == nil && (fd.Name.Name == "init" || fd.Name.Name == "main") {
			return fd.Name.Name
		}
	}
	return ""
}

func (m *Materializer) checkImports(file *ast.File) error {
	var forbidden []string
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			return fmt.Errorf("bad import %s: %w", imp.Path.Value, err)
		}
		if !m.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(m.allowed))
	for p := range m.allowed {
		allowed = append(allowed, p)
	}
	sort.Strings(allowed)
	return fmt.Errorf("forbidden imports %v (allowed: %s)", forbidden, strings.Join(allowed, ", "))
}

// needsTableImport reports whether the code uses the table package without
// importing it.
func needsTableImport(file *ast.File) bool {
	for _, imp := range file.Imports {
		if path, err := strconv.Unquote(imp.Path.Value); err == nil && path == TableImportPath {
			return false
		}
	}
	for _, id := range file.Unresolved {
		if id.Name == "table" {
			return true
		}
	}
	return false
}

// prepareSource adds a package clause when the code has none.
func prepareSource(code string) string {
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, "", code, parser.PackageClauseOnly); err == nil {
		return code
	}
	return "package main\n\n" + code
}

// ExtractSource returns the Go code inside the first fenced block tagged go or
// golang, else the first fenced block, else text itself. Models wrap code in
// markdown even when told not to.
func ExtractSource(text string) string {
	text = strings.TrimSpace(text)
	var first string
	found := false
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		body := rest[start+3:]
		info := ""
		if nl := strings.IndexByte(body, '\n'); nl >= 0 {
			info = strings.ToLower(strings.TrimSpace(body[:nl]))
			if !strings.ContainsAny(info, " \t(){};=") {
				body = body[nl+1:]
			} else {
				info = ""
			}
		}
		rest = ""
		if end := strings.Index(body, "```"); end >= 0 {
			body, rest = body[:end], body[end+3:]
		}
		if info == "go" || info == "golang" {
			return strings.TrimSpace(body)
		}
		if !found {
			first, found = strings.TrimSpace(body), true
		}
	}
	if found {
		return first
	}
	return text
}

func tableSymbols() map[string]reflect.Value {
	return map[string]reflect.Value{
		"Table":    reflect.ValueOf((*table.Table)(nil)),
		"New":      reflect.ValueOf(table.New),
		"Filename": reflect.ValueOf(table.Filename),
	}
}
