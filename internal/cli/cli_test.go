package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vectorAddLine = "add (8) r102.0<1>:f r100.0<1>:f r101.0<1>:f"

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"compile", "batch", "targets", "trace"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "auto", cmd.PersistentFlags().Lookup("color").DefValue)
}

func TestInvalidColorMode(t *testing.T) {
	_, _, err := run(t, "--color", "sometimes", "targets")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid color mode "sometimes"`)
}

func TestCompileListing(t *testing.T) {
	out, _, err := run(t, "compile", "--color", "never", "testdata/vector_add.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, vectorAddLine)
	assert.Contains(t, out, "// a -> r100.0<1>:ub")
	assert.NotContains(t, out, "\x1b[")
}

func TestCompileColor(t *testing.T) {
	out, _, err := run(t, "compile", "--color", "always", "testdata/vector_add.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "\x1b[")
	assert.Contains(t, ansi.Strip(out), vectorAddLine)
}

func TestCompileTargets(t *testing.T) {
	_, _, err := run(t, "compile", "--color", "never", "--target", "xelp", "testdata/vector_add.yaml")
	require.NoError(t, err)

	_, _, err = run(t, "compile", "--target", "nope", "testdata/vector_add.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown target "nope"`)
}

func TestCompileOutputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.s")
	out, _, err := run(t, "compile", "-o", path, "testdata/vector_add.yaml")
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), vectorAddLine)
}

func TestCompileCheckConflicts(t *testing.T) {
	out, _, err := run(t, "compile", "--color", "never", "--check-conflicts", "testdata/vector_add.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "// vector_add on xehpg: 0 bank conflicts, 0 bundle conflicts")
}

func TestCompileLoweringError(t *testing.T) {
	_, _, err := run(t, "compile", "testdata/dynamic_zero.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero_out size is not constant")

	out, _, err := run(t, "compile", "--color", "never", "--diagnose", "testdata/dynamic_zero.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lowering failed")
	assert.True(t, strings.HasPrefix(out, "IR lowering error: "), out)
	assert.Contains(t, out, "zero_out size is not constant")
}

func TestTargets(t *testing.T) {
	out, _, err := run(t, "targets")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "NAME"), out)
	assert.Contains(t, out, "xehpg")
	assert.Contains(t, out, "dpas,float-atomics")

	out, _, err = run(t, "targets", "--yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "- name: xehpg\n")
	assert.Contains(t, out, "grf_bytes: 32")
}

const customProfile = `- name: custom
  gen: xehpg
  simd: 16
  grf_bytes: 64
  grf_count: 128
  flag_regs: 2
  banks: 2
  bundles: 8
  features:
    fp64_atomics: false
    float_atomics: true
    dpas: true
`

func TestUserProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(customProfile), 0644))

	out, _, err := run(t, "--profiles", path, "targets")
	require.NoError(t, err)
	assert.Contains(t, out, "custom")

	out, _, err = run(t, "--profiles", path, "compile", "--color", "never", "--target", "custom", "testdata/vector_add.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, vectorAddLine)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(strings.Replace(customProfile, "simd: 16", "simd: 12", 1)), 0644))
	_, _, err = run(t, "--profiles", bad, "targets")
	assert.Error(t, err)
}

func TestTraceRoundTrip(t *testing.T) {
	log := filepath.Join(t.TempDir(), "lowering.trace")
	_, _, err := run(t, "compile", "--color", "never", "--trace", log, "testdata/vector_add.yaml")
	require.NoError(t, err)

	out, _, err := run(t, "trace", "--color", "never", "--kind", "inst", log)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "vector_add")
	assert.Contains(t, lines[0], "inst")
	assert.Contains(t, lines[0], vectorAddLine)

	out, _, err = run(t, "trace", "--color", "never", "--kind", "comment", "--limit", "1", log)
	require.NoError(t, err)
	assert.Contains(t, out, "comment")
	assert.Equal(t, 1, strings.Count(out, "\n"))

	_, _, err = run(t, "trace", "--kind", "bogus", log)
	assert.Error(t, err)
}

func TestBatch(t *testing.T) {
	dir := t.TempDir()
	out, _, err := run(t, "batch", "--no-progress", "-o", dir, "testdata/vector_add.yaml", "testdata/counted_loop.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "compiled 2 of 2 kernels")

	data, err := os.ReadFile(filepath.Join(dir, "vector_add.s"))
	require.NoError(t, err)
	assert.Contains(t, string(data), vectorAddLine)
	_, err = os.Stat(filepath.Join(dir, "counted_loop.s"))
	assert.NoError(t, err)
}

func TestBatchTrace(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "batch.trace")
	_, _, err := run(t, "batch", "--no-progress", "-o", dir, "--trace", log,
		"testdata/vector_add.yaml", "testdata/counted_loop.yaml")
	require.NoError(t, err)

	out, _, err := run(t, "trace", "--color", "never", "--kind", "inst", "--source", "counted_loop", log)
	require.NoError(t, err)
	assert.Contains(t, out, "counted_loop")
	assert.NotContains(t, out, "vector_add")

	out, _, err = run(t, "trace", "--color", "never", "--kind", "inst", log)
	require.NoError(t, err)
	assert.Contains(t, out, vectorAddLine)
}

func TestBatchFailures(t *testing.T) {
	dir := t.TempDir()
	out, _, err := run(t, "batch", "-o", dir,
		"testdata/vector_add.yaml", "testdata/dynamic_zero.yaml", "testdata/vector_add.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 kernels failed")
	assert.Contains(t, out, "compiled 1 of 3 kernels")

	_, err = os.Stat(filepath.Join(dir, "vector_add.s"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "dynamic_zero.s"))
	assert.True(t, os.IsNotExist(err))
}

func TestColorizeKeepsText(t *testing.T) {
	listing := "  // start\nL0_loop:\n  add (1) r1.0<0>:d r1.0<0>:d 1:d\n  jmpi (f0.0) (1) L0_loop\n"
	styled := colorize(listing)
	assert.NotEqual(t, listing, styled)
	assert.Equal(t, listing, ansi.Strip(styled))
	assert.Contains(t, styled, predStyle.Styled("(f0.0)"))
	assert.Contains(t, styled, labelStyle.Styled("L0_loop:"))
}

func TestPad(t *testing.T) {
	assert.Equal(t, "ab  ", pad("ab", 4))
	styled := opStyle.Styled("ab")
	assert.Equal(t, styled+"  ", pad(styled, 4))
	assert.Equal(t, "abcdef", pad("abcdef", 4))
}
