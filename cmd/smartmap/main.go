package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shpitdev/smartmap/internal/api"
	"github.com/shpitdev/smartmap/internal/app"
	"github.com/shpitdev/smartmap/internal/backend"
	"github.com/shpitdev/smartmap/internal/backend/gemini"
	"github.com/shpitdev/smartmap/internal/materialize"
	"github.com/shpitdev/smartmap/internal/pipeline"
	"github.com/shpitdev/smartmap/internal/sandbox"
	"github.com/shpitdev/smartmap/internal/session"
	"github.com/shpitdev/smartmap/internal/version"
	"github.com/shpitdev/smartmap/pkg/pipeline/redact"
	"github.com/shpitdev/smartmap/pkg/pipeline/stage"
	"github.com/shpitdev/smartmap/pkg/pipeline/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "version", "--version":
		_, _ = fmt.Fprintln(os.Stdout, version.Banner())
		return
	case "local":
		code = runLocal(ctx, os.Args[2:])
	case "batch":
		code = runBatch(ctx, os.Args[2:])
	case "serve":
		code = runServe(ctx, os.Args[2:])
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		code = 2
	}
	stop()
	os.Exit(code)
}

// engineFlags are shared by every command that runs the pipeline.
type engineFlags struct {
	geminiModel    string
	geminiBaseURL  string
	temperature    float64
	rateLimitRPS   float64
	requestTimeout time.Duration
	execTimeout    time.Duration
	promptRows     int
	stagesPath     string
}

func (e *engineFlags) register(fs *flag.FlagSet, env engineConfig) {
	fs.StringVar(&e.geminiModel, "gemini-model", env.Gemini.Model, "Gemini model name (env: GEMINI_MODEL)")
	fs.StringVar(&e.geminiBaseURL, "gemini-base-url", env.Gemini.BaseURL, "Gemini API base URL override (env: GEMINI_BASE_URL)")
	fs.Float64Var(&e.temperature, "temperature", env.Temperature, "Sampling temperature (env: GEMINI_TEMPERATURE)")
	fs.Float64Var(&e.rateLimitRPS, "rate-limit-rps", env.RateLimitRPS, "Global backend rate limit (RPS), 0 disables (env: RATE_LIMIT_RPS)")
	fs.DurationVar(&e.requestTimeout, "request-timeout", env.RequestTimeout, "Per backend call timeout, 0 disables (env: REQUEST_TIMEOUT)")
	fs.DurationVar(&e.execTimeout, "exec-timeout", env.ExecTimeout, "Bound on executing generated code, 0 disables (env: EXEC_TIMEOUT)")
	fs.IntVar(&e.promptRows, "prompt-rows", env.PromptRows, "Rows of each table included in prompts, 0 includes all (env: PROMPT_ROWS)")
	fs.StringVar(&e.stagesPath, "stages", env.StagesPath, "YAML stage definitions, empty uses the built-in chain (env: SMARTMAP_STAGES)")
}

type engineConfig struct {
	Gemini         gemini.Config
	Temperature    float64
	RateLimitRPS   float64
	RequestTimeout time.Duration
	ExecTimeout    time.Duration
	PromptRows     int
	StagesPath     string
}

func runLocal(ctx context.Context, args []string) int {
	env, err := loadEngineConfigFromEnv()
	if err != nil {
		return configError(err)
	}

	fs := flag.NewFlagSet("local", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var ef engineFlags
	ef.register(fs, env)
	var opts app.LocalOptions
	fs.StringVar(&opts.TemplatePath, "template", "", "Template CSV file path (the target schema)")
	fs.StringVar(&opts.SourcePath, "source", "", "Source CSV file path for run A")
	fs.StringVar(&opts.SourceBPath, "source-b", "", "Optional source CSV file path for run B")
	fs.StringVar(&opts.OutDir, "out", "", "Output directory")
	fs.StringVar(&opts.CodePath, "code", "", "Optional Go file replacing the generated code of run A")
	fs.StringVar(&opts.CodeBPath, "code-b", "", "Optional Go file replacing the generated code of run B")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if opts.TemplatePath == "" || opts.SourcePath == "" || opts.OutDir == "" {
		_, _ = fmt.Fprintln(os.Stderr, "local requires --template, --source and --out")
		return 2
	}

	logger := newLogger()
	deps, err := buildDeps(ctx, env, ef, logger)
	if err != nil {
		return configError(err)
	}

	if err := app.RunLocal(ctx, deps, opts, session.Options{PromptRows: ef.promptRows, Logger: logger}); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "local run failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	return 0
}

func runBatch(ctx context.Context, args []string) int {
	env, err := loadEngineConfigFromEnv()
	if err != nil {
		return configError(err)
	}
	workersDefault, err := envInt("WORKERS", 4)
	if err != nil {
		return configError(err)
	}
	failFastDefault, err := envBool("FAIL_FAST")
	if err != nil {
		return configError(err)
	}

	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var ef engineFlags
	ef.register(fs, env)
	templatePath := fs.String("template", "", "Template CSV file path (the target schema)")
	outDir := fs.String("out", "", "Output directory; each source gets <out>/<name>/")
	workers := fs.Int("workers", workersDefault, "Number of sources mapped concurrently (env: WORKERS)")
	failFast := fs.Bool("fail-fast", failFastDefault, "Stop at the first failed source (env: FAIL_FAST)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	sources := fs.Args()
	if *templatePath == "" || *outDir == "" || len(sources) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "batch requires --template, --out and at least one source file")
		return 2
	}

	logger := newLogger()
	deps, err := buildDeps(ctx, env, ef, logger)
	if err != nil {
		return configError(err)
	}

	wopts := worker.Options{Workers: *workers}
	if *failFast {
		wopts.FailurePolicy = worker.FailurePolicyFailFast
	}
	summary, err := app.RunBatch(ctx, deps, *templatePath, sources, *outDir, wopts, session.Options{PromptRows: ef.promptRows, Logger: logger})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "batch run failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	if n := summary.Failed(); n > 0 {
		_, _ = fmt.Fprintf(os.Stderr, "batch run finished with %d/%d failed sources\n", n, len(summary.Results))
		return 1
	}
	return 0
}

func runServe(ctx context.Context, args []string) int {
	env, err := loadEngineConfigFromEnv()
	if err != nil {
		return configError(err)
	}
	addrDefault := strings.TrimSpace(os.Getenv("LISTEN_ADDR"))
	if addrDefault == "" {
		addrDefault = ":8080"
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var ef engineFlags
	ef.register(fs, env)
	addr := fs.String("addr", addrDefault, "HTTP listen address (env: LISTEN_ADDR)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := newLogger()
	deps, err := buildDeps(ctx, env, ef, logger)
	if err != nil {
		return configError(err)
	}

	sopts := session.Options{PromptRows: ef.promptRows, Logger: logger}
	sessions := api.NewSessions(func() *session.Store { return session.New(deps, sopts) })
	srv := &http.Server{
		Addr:              *addr,
		Handler:           api.SetupRoutes(api.NewHandler(sessions, logger), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening: addr=%s version=%s", *addr, version.Current)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(os.Stderr, "serve failed: %s\n", redact.Secrets(err.Error()))
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "shutdown failed: %s\n", err)
		return 1
	}
	logger.Printf("shutdown complete")
	return 0
}

// buildDeps constructs the backend chain and the pipeline. Any error here is a
// configuration error and no run starts.
func buildDeps(ctx context.Context, env engineConfig, ef engineFlags, logger *log.Logger) (session.Deps, error) {
	stages, err := stage.LoadFile(ef.stagesPath)
	if err != nil {
		return session.Deps{}, err
	}

	cfg := env.Gemini
	cfg.Model = ef.geminiModel
	cfg.BaseURL = ef.geminiBaseURL
	temp := float32(ef.temperature)
	cfg.Temperature = &temp
	client, err := gemini.New(ctx, cfg)
	if err != nil {
		return session.Deps{}, err
	}

	var b backend.Backend = backend.NewTraced(client, logger, client.Model())
	b = backend.WithTimeout(b, ef.requestTimeout)
	b = backend.NewLimited(b, ef.rateLimitRPS)

	p, err := pipeline.New(stages, b, pipeline.Options{Logger: logger})
	if err != nil {
		return session.Deps{}, err
	}
	return session.Deps{
		Mapper:       p,
		Materializer: materialize.New(materialize.Options{Timeout: ef.execTimeout}),
		Executor:     sandbox.New(sandbox.Options{Timeout: ef.execTimeout}),
	}, nil
}

// newLogger scrubs every line, since stage errors can echo request URLs.
func newLogger() *log.Logger {
	return log.New(redact.NewWriter(os.Stdout), "", log.LstdFlags)
}

func configError(err error) int {
	_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
	return 2
}

func usage(w *os.File) {
	_, _ = fmt.Fprintf(w, `smartmap: map arbitrary CSV tables onto a template with a staged LLM pipeline

Usage:
  smartmap <command> [flags]

Commands:
  local    Map one or two source CSVs onto a template and write the results
  batch    Map many source CSVs onto one template concurrently
  serve    Run the HTTP session API
  version  Print the version

Examples:
  smartmap local --template template.csv --source a.csv --out out/
  smartmap local --template template.csv --source a.csv --source-b b.csv --code fixed.go --out out/
  smartmap batch --template template.csv --out out/ north.csv south.csv
  smartmap serve --addr :8080

Environment:
  GEMINI_API_KEY      Gemini API key (required)
  GEMINI_MODEL        Gemini model name (default %s)
  GEMINI_BASE_URL     Optional base URL override (proxies/testing)
  GEMINI_TEMPERATURE  Sampling temperature (default 0.7)
  RATE_LIMIT_RPS      Global backend rate limit, 0 disables
  REQUEST_TIMEOUT     Per backend call timeout, 0 disables
  EXEC_TIMEOUT        Bound on executing generated code (default 30s)
  PROMPT_ROWS         Rows of each table included in prompts, 0 includes all
  SMARTMAP_STAGES     YAML stage definitions file
  WORKERS             Batch concurrency (default 4)
  FAIL_FAST           Batch: stop at the first failed source
  LISTEN_ADDR         HTTP listen address (default :8080)

`, gemini.DefaultModel)
}

func loadEngineConfigFromEnv() (engineConfig, error) {
	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		return engineConfig{}, fmt.Errorf("GEMINI_API_KEY is required")
	}
	model := strings.TrimSpace(os.Getenv("GEMINI_MODEL"))
	if model == "" {
		model = gemini.DefaultModel
	}
	temperature, err := envFloat("GEMINI_TEMPERATURE", 0.7)
	if err != nil {
		return engineConfig{}, err
	}
	rateLimitRPS, err := envFloat("RATE_LIMIT_RPS", 0)
	if err != nil {
		return engineConfig{}, err
	}
	requestTimeout, err := envDuration("REQUEST_TIMEOUT", 0)
	if err != nil {
		return engineConfig{}, err
	}
	execTimeout, err := envDuration("EXEC_TIMEOUT", 30*time.Second)
	if err != nil {
		return engineConfig{}, err
	}
	promptRows, err := envInt("PROMPT_ROWS", 0)
	if err != nil {
		return engineConfig{}, err
	}

	return engineConfig{
		Gemini: gemini.Config{
			APIKey:  apiKey,
			Model:   model,
			BaseURL: strings.TrimSpace(os.Getenv("GEMINI_BASE_URL")),
		},
		Temperature:    temperature,
		RateLimitRPS:   rateLimitRPS,
		RequestTimeout: requestTimeout,
		ExecTimeout:    execTimeout,
		PromptRows:     promptRows,
		StagesPath:     strings.TrimSpace(os.Getenv("SMARTMAP_STAGES")),
	}, nil
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return false, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
