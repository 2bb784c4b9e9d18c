package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Senpai-Sama7/tavern/internal/config"
	"github.com/Senpai-Sama7/tavern/internal/ext"
	"github.com/Senpai-Sama7/tavern/internal/logging"
	"github.com/Senpai-Sama7/tavern/internal/stage"
)

// Sentinel errors for the application layer.
var (
	ErrUsage        = errors.New("usage error")
	ErrFileNotFound = errors.New("test file not found")
)

// --- Interfaces for testability ---

type specLoader interface {
	Load(filename string) (*config.TestSpec, error)
}

type testRunner interface {
	Run(ctx context.Context) error
}

type runnerFactory interface {
	New(spec *config.TestSpec, opts stage.RunnerOpts) testRunner
}

// --- Default implementations ---

type defaultSpecLoader struct{}

func (l *defaultSpecLoader) Load(filename string) (*config.TestSpec, error) {
	return config.Load(filename)
}

type defaultRunnerFactory struct{}

func (f *defaultRunnerFactory) New(spec *config.TestSpec, opts stage.RunnerOpts) testRunner {
	return stage.NewRunnerWithOpts(spec, opts)
}

// Runner encapsulates the application's execution logic and dependencies.
type Runner struct {
	loader  specLoader
	factory runnerFactory
	ext     *ext.Registry
}

// RunnerOpts allows configuring the Runner's dependencies.
type RunnerOpts struct {
	SpecLoader    specLoader
	RunnerFactory runnerFactory
	Ext           *ext.Registry
}

// NewRunner creates an application runner with default dependencies.
func NewRunner() *Runner {
	return NewRunnerWithOpts(RunnerOpts{})
}

// NewRunnerWithOpts creates an application runner with injected
// dependencies.
func NewRunnerWithOpts(opts RunnerOpts) *Runner {
	loader := opts.SpecLoader
	if loader == nil {
		loader = &defaultSpecLoader{}
	}
	factory := opts.RunnerFactory
	if factory == nil {
		factory = &defaultRunnerFactory{}
	}
	return &Runner{loader: loader, factory: factory, ext: opts.Ext}
}

const usageText = `Usage:
  tavern [options]

Options:
  -file string
        YAML test file to run (required)
  -log-level string
        Log verbosity: none, error, warn, info, debug (overrides the file's setting)
  -var key=value
        Extra variable binding, may be repeated
`

// Usage writes command-line help.
func (r *Runner) Usage(w io.Writer) {
	fmt.Fprint(w, usageText)
}

// varFlags collects repeated -var key=value flags.
type varFlags map[string]any

func (v varFlags) String() string { return fmt.Sprintf("%v", map[string]any(v)) }

func (v varFlags) Set(raw string) error {
	key, value, found := strings.Cut(raw, "=")
	if !found || key == "" {
		return fmt.Errorf("variable must be key=value, got '%s'", raw)
	}
	v[key] = value
	return nil
}

// Run parses arguments, loads the test file, and executes its stages.
func (r *Runner) Run(args []string) error {
	fs := flag.NewFlagSet("tavern", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	file := fs.String("file", "", "YAML test file to run")
	logLevel := fs.String("log-level", "", "log verbosity")
	extraVars := varFlags{}
	fs.Var(extraVars, "var", "extra variable binding (key=value)")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	if *file == "" {
		return fmt.Errorf("%w: -file is required", ErrUsage)
	}
	if _, err := os.Stat(*file); err != nil {
		return fmt.Errorf("%w: %s", ErrFileNotFound, *file)
	}

	spec, err := r.loader.Load(*file)
	if err != nil {
		return err
	}

	level := spec.Settings.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}
	logging.SetupLogging(level)

	runner := r.factory.New(spec, stage.RunnerOpts{
		Ext:       r.ext,
		ExtraVars: extraVars,
	})

	logging.Logf(logging.Info, "Running test '%s' from %s", spec.TestName, *file)
	return runner.Run(context.Background())
}
