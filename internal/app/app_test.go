package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Senpai-Sama7/tavern/internal/config"
	"github.com/Senpai-Sama7/tavern/internal/stage"
)

type fakeLoader struct {
	spec *config.TestSpec
	err  error
	got  string
}

func (l *fakeLoader) Load(filename string) (*config.TestSpec, error) {
	l.got = filename
	return l.spec, l.err
}

type fakeTestRunner struct {
	err error
	ran bool
}

func (r *fakeTestRunner) Run(ctx context.Context) error {
	r.ran = true
	return r.err
}

type fakeFactory struct {
	runner  *fakeTestRunner
	gotOpts stage.RunnerOpts
}

func (f *fakeFactory) New(spec *config.TestSpec, opts stage.RunnerOpts) testRunner {
	f.gotOpts = opts
	return f.runner
}

func writeTestFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte("test_name: x\n"), 0o600))
	return path
}

func newTestApp(loader specLoader, factory runnerFactory) *Runner {
	return NewRunnerWithOpts(RunnerOpts{SpecLoader: loader, RunnerFactory: factory})
}

func TestRunMissingFileFlag(t *testing.T) {
	err := NewRunner().Run([]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUsage)
}

func TestRunUnknownFlag(t *testing.T) {
	err := NewRunner().Run([]string{"-bogus"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUsage)
}

func TestRunFileNotFound(t *testing.T) {
	err := NewRunner().Run([]string{"-file", "/no/such/file.yaml"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestRunHappyPath(t *testing.T) {
	path := writeTestFile(t)
	loader := &fakeLoader{spec: &config.TestSpec{TestName: "x"}}
	factory := &fakeFactory{runner: &fakeTestRunner{}}

	err := newTestApp(loader, factory).Run([]string{"-file", path})
	require.NoError(t, err)
	assert.Equal(t, path, loader.got)
	assert.True(t, factory.runner.ran)
}

func TestRunLoaderErrorPropagates(t *testing.T) {
	path := writeTestFile(t)
	loadErr := errors.New("bad yaml")
	loader := &fakeLoader{err: loadErr}

	err := newTestApp(loader, &fakeFactory{runner: &fakeTestRunner{}}).Run([]string{"-file", path})
	require.Error(t, err)
	assert.ErrorIs(t, err, loadErr)
}

func TestRunRunnerErrorPropagates(t *testing.T) {
	path := writeTestFile(t)
	runErr := errors.New("stage failed")
	loader := &fakeLoader{spec: &config.TestSpec{TestName: "x"}}
	factory := &fakeFactory{runner: &fakeTestRunner{err: runErr}}

	err := newTestApp(loader, factory).Run([]string{"-file", path})
	require.Error(t, err)
	assert.ErrorIs(t, err, runErr)
}

func TestRunExtraVarsForwarded(t *testing.T) {
	path := writeTestFile(t)
	loader := &fakeLoader{spec: &config.TestSpec{TestName: "x"}}
	factory := &fakeFactory{runner: &fakeTestRunner{}}

	err := newTestApp(loader, factory).Run([]string{
		"-file", path,
		"-var", "host=example.test",
		"-var", "token=abc",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"host": "example.test", "token": "abc"},
		factory.gotOpts.ExtraVars)
}

func TestRunBadVarFlag(t *testing.T) {
	err := NewRunner().Run([]string{"-var", "novalue"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUsage)
}

func TestUsageOutput(t *testing.T) {
	var buf bytes.Buffer
	NewRunner().Usage(&buf)
	assert.Contains(t, buf.String(), "-file")
	assert.Contains(t, buf.String(), "-var")
}
