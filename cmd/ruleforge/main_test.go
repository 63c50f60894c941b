package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruleforge/ruleforge/internal/config"
	"github.com/ruleforge/ruleforge/internal/storage"
	"github.com/ruleforge/ruleforge/internal/types"
)

const bruteForce = `name: Brute force login
conditions:
  - test: fn-count
    params:
      count: 5
      mins: 10
`

const partial = `name: Partial
conditions:
  - test: fn-count
    params:
      count: 5
`

// run executes the CLI with a config file in a temp dir and returns stdout.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(dir, "ruleforge.yaml")}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func tempWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DSN = filepath.Join(dir, "data", "ruleforge.db")
	cfg.Importer.Dir = filepath.Join(dir, "drafts")
	require.NoError(t, cfg.Save(filepath.Join(dir, "ruleforge.yaml")))
	return dir
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := run(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "RuleForge dev")
}

func TestCatalogCommand(t *testing.T) {
	out, err := run(t, t.TempDir(), "catalog", "--group", "network", "--keyword", "local")
	require.NoError(t, err)
	assert.Contains(t, out, "Network Property Tests")
	assert.Contains(t, out, "net-src-local")
	assert.NotContains(t, out, "fn-count")

	out, err = run(t, t.TempDir(), "catalog", "--group", "bogus")
	require.NoError(t, err)
	assert.Contains(t, out, "0 test(s)")
}

func TestCompileCommand(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "compile", writeDoc(t, dir, "brute.yaml", bruteForce))
	require.NoError(t, err)
	assert.Equal(t, "when this event is seen more than X times in Y minutes [5] [10]\n", out)

	path := writeDoc(t, dir, "partial.yaml", partial)
	_, err = run(t, dir, "compile", path)
	assert.Error(t, err)

	out, err = run(t, dir, "compile", "--preview", path)
	require.NoError(t, err)
	assert.Contains(t, out, "[5]")
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, dir, "validate", writeDoc(t, dir, "brute.yaml", bruteForce))
	require.NoError(t, err)
	assert.Contains(t, out, "no validation errors")

	out, err = run(t, dir, "validate", "--step", "name_and_notes", writeDoc(t, dir, "short.yaml", "name: ab\nconditions: []\n"))
	assert.Error(t, err)
	assert.Contains(t, out, "✗")

	_, err = run(t, dir, "validate", "--step", "9", writeDoc(t, dir, "x.yaml", bruteForce))
	assert.Error(t, err)
}

func TestSubmitAndListRules(t *testing.T) {
	dir := tempWorkspace(t)
	good := writeDoc(t, dir, "brute.yaml", bruteForce)
	bad := writeDoc(t, dir, "partial.yaml", partial)

	out, err := run(t, dir, "submit", good, bad)
	assert.Error(t, err)
	assert.Contains(t, out, "✓ "+good)
	assert.Contains(t, out, "✗ "+bad)

	out, err = run(t, dir, "rules", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Rules (1)")
	assert.Contains(t, out, "Brute force login")
	assert.Contains(t, out, "Building Blocks (0)")

	out, err = run(t, dir, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Rules:           1")
}

func TestCountEntities(t *testing.T) {
	store, err := storage.NewSQLite(":memory:", zerolog.Nop())
	require.NoError(t, err)

	rules, blocks, err := countEntities(context.Background(), store)
	require.NoError(t, err)
	assert.Zero(t, rules)
	assert.Zero(t, blocks)

	require.NoError(t, store.Close())
	_, _, err = countEntities(context.Background(), store)
	assert.Error(t, err, "storage errors are reported, not shown as zero")
}

func TestDefaultsFrom(t *testing.T) {
	d := defaultsFrom(config.WizardConfig{DefaultRuleName: "New rule", DefaultSeverity: "high"})
	assert.Equal(t, "New rule", d.Name)
	assert.Equal(t, types.SeverityHigh, d.Severity)
	assert.Equal(t, types.DefaultRuleGroup, d.Group)
}
