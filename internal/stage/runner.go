package stage

import (
	"context"
	"fmt"

	"github.com/Senpai-Sama7/tavern/internal/config"
	"github.com/Senpai-Sama7/tavern/internal/ext"
	"github.com/Senpai-Sama7/tavern/internal/logging"
	"github.com/Senpai-Sama7/tavern/internal/report"
	"github.com/Senpai-Sama7/tavern/internal/template"
)

// Executor runs one stage end to end: assemble the request, execute it,
// verify the response, and return the extracted bindings. Implementations
// exist per protocol; HTTP is provided here.
type Executor interface {
	RunStage(ctx context.Context, spec *config.StageSpec, vars *Context) (map[string]any, error)
}

// sessionDoer abstracts the session for executor tests.
type sessionDoer interface {
	Do(ctx context.Context, stageName string, args *ResolvedRequestArgs) (*Response, error)
	CookieSnapshot() map[string]string
	ClearCookies()
}

// HTTPExecutor is the HTTP implementation of the stage executor
// capability. It owns the persistent session shared by all stages it runs.
type HTTPExecutor struct {
	assembler *Assembler
	verifier  *Verifier
	session   sessionDoer
}

// NewHTTPExecutor creates an executor with a fresh session.
func NewHTTPExecutor(settings *config.Settings, registry *ext.Registry, hook ResponseHook) *HTTPExecutor {
	var authCfg *config.AuthConfig
	if settings != nil {
		authCfg = &settings.Auth
	}
	verifier := NewVerifier(settings, registry)
	verifier.Hook = hook
	return &HTTPExecutor{
		assembler: NewAssembler(settings, registry),
		verifier:  verifier,
		session:   NewSession(authCfg),
	}
}

// RunStage executes one stage. On success it returns the bindings to
// publish; on failure no bindings are returned, so a failed stage never
// advances the variable context.
func (e *HTTPExecutor) RunStage(ctx context.Context, spec *config.StageSpec, vars *Context) (map[string]any, error) {
	name := spec.Name
	if name == "" {
		name = "unnamed stage"
	}

	if spec.Request == nil {
		return nil, config.BadSchemaf("stage '%s' has no request", name)
	}
	if spec.Request.ClearSessionCookies {
		logging.Logf(logging.Debug, "Stage '%s': clearing session cookies", name)
		e.session.ClearCookies()
	}

	args, warnings, err := e.assembler.Assemble(name, spec.Request, vars.GetAll(), e.session.CookieSnapshot())
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		report.Attach("assembly_warnings", warnings)
	}

	expected, err := formatExpected(name, spec.Response, vars.GetAll())
	if err != nil {
		return nil, fmt.Errorf("variable substitution failed for stage '%s': %w", name, err)
	}

	resp, err := e.session.Do(ctx, name, args)
	if err != nil {
		return nil, err
	}

	result, err := e.verifier.Verify(name, expected, resp)
	if err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		return nil, &TestFailError{Name: name, Failures: result.Errors}
	}
	return result.Saved, nil
}

// formatExpected applies the variable format pass to a stage's expected
// block, so expectations and save directives can reference bindings
// published by earlier stages. The input spec is never mutated.
func formatExpected(stageName string, resp *config.ResponseSpec, vars map[string]any) (*config.ResponseSpec, error) {
	if resp == nil {
		return nil, nil
	}
	out := &config.ResponseSpec{
		StatusCode: resp.StatusCode,
		VerifyWith: resp.VerifyWith,
	}

	var err error
	if out.JSON, err = template.FormatValue(stageName+".response.json", resp.JSON, vars); err != nil {
		return nil, err
	}
	if resp.Headers != nil {
		formatted, err := template.FormatValue(stageName+".response.headers", resp.Headers, vars)
		if err != nil {
			return nil, err
		}
		out.Headers = formatted.(map[string]any)
	}
	if resp.RedirectQueryParams != nil {
		formatted, err := template.FormatValue(stageName+".response.redirect_query_params", resp.RedirectQueryParams, vars)
		if err != nil {
			return nil, err
		}
		out.RedirectQueryParams = formatted.(map[string]any)
	}
	for i, cookie := range resp.Cookies {
		rendered, err := template.Render(fmt.Sprintf("%s.response.cookies[%d]", stageName, i), cookie, vars)
		if err != nil {
			return nil, err
		}
		out.Cookies = append(out.Cookies, rendered)
	}

	if resp.Save != nil {
		save := &config.SaveSpec{}
		if resp.Save.Ext != nil {
			formatted, err := template.FormatValue(stageName+".save.$ext", resp.Save.Ext, vars)
			if err != nil {
				return nil, err
			}
			save.Ext = formatted.(map[string]any)
		}
		if save.JSON, err = template.FormatStringMap(stageName+".save.json", resp.Save.JSON, vars); err != nil {
			return nil, err
		}
		if save.Headers, err = template.FormatStringMap(stageName+".save.headers", resp.Save.Headers, vars); err != nil {
			return nil, err
		}
		if save.RedirectQueryParams, err = template.FormatStringMap(stageName+".save.redirect_query_params", resp.Save.RedirectQueryParams, vars); err != nil {
			return nil, err
		}
		out.Save = save
	}
	return out, nil
}

// Runner executes the stages of one test spec strictly sequentially,
// publishing each stage's saved values into the variable context consumed
// by the next.
type Runner struct {
	spec     *config.TestSpec
	vars     *Context
	executor Executor
}

// RunnerOpts allows injecting dependencies for testing or custom behavior.
type RunnerOpts struct {
	Executor Executor
	Ext      *ext.Registry
	Hook     ResponseHook
	// ExtraVars are merged over the test file's variables block.
	ExtraVars map[string]any
}

// NewRunner creates a runner with the default HTTP executor.
func NewRunner(spec *config.TestSpec) *Runner {
	return NewRunnerWithOpts(spec, RunnerOpts{})
}

// NewRunnerWithOpts creates a runner with injected dependencies.
func NewRunnerWithOpts(spec *config.TestSpec, opts RunnerOpts) *Runner {
	executor := opts.Executor
	if executor == nil {
		executor = NewHTTPExecutor(&spec.Settings, opts.Ext, opts.Hook)
	}
	vars := NewContext(spec.Variables)
	if opts.ExtraVars != nil {
		vars.Publish(opts.ExtraVars)
	}
	return &Runner{spec: spec, vars: vars, executor: executor}
}

// Variables returns a copy of the current bindings.
func (r *Runner) Variables() map[string]any {
	return r.vars.GetAll()
}

// Run executes every stage in order, failing fast on the first stage error.
func (r *Runner) Run(ctx context.Context) error {
	for i, stageSpec := range r.spec.Stages {
		name := stageSpec.Name
		if name == "" {
			name = fmt.Sprintf("stage_%d", i+1)
		}
		logging.Logf(logging.Info, "Running stage: %s", name)

		if ctx.Err() != nil {
			return fmt.Errorf("test cancelled during stage '%s': %w", name, ctx.Err())
		}

		spec := stageSpec
		saved, err := r.executor.RunStage(ctx, &spec, r.vars)
		if err != nil {
			return fmt.Errorf("error in stage '%s': %w", name, err)
		}
		r.vars.Publish(saved)
	}
	logging.Logf(logging.Info, "Test '%s' completed.", r.spec.TestName)
	return nil
}
