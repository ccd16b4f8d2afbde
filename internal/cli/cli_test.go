package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd("test")
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(append([]string{"--config", cfgPath, "--log-level", "error"}, args...))
	err := root.Execute()
	return buf.String(), err
}

func tempConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hireflow.yaml")
	body := "logging:\n  level: error\nstorage:\n  path: " + filepath.Join(dir, "hireflow.db") + "\nadmin:\n  enabled: false\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRootHasSubcommands(t *testing.T) {
	root := NewRootCmd("1.2.3")
	assert.Equal(t, "1.2.3", root.Version)
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "status", "trigger", "settings", "audit"} {
		assert.True(t, names[want], want)
	}
}

func TestSettingsRoundTripIsAudited(t *testing.T) {
	cfg := tempConfig(t)

	_, err := run(t, cfg, "settings", "set", "auto_reject_days", "45")
	require.NoError(t, err)
	out, err := run(t, cfg, "settings", "get", "auto_reject_days")
	require.NoError(t, err)
	assert.Equal(t, "45\n", out)

	_, err = run(t, cfg, "settings", "set", "candidate_data_retention_years", "1")
	require.Error(t, err)

	_, err = run(t, cfg, "settings", "set", "no_such_key", "1")
	require.Error(t, err)

	out, err = run(t, cfg, "settings", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "auto_reject_days")
	assert.Contains(t, out, "(unset)")

	_, err = run(t, cfg, "settings", "unset", "auto_reject_days")
	require.NoError(t, err)
	out, err = run(t, cfg, "settings", "get", "auto_reject_days")
	require.NoError(t, err)
	assert.Equal(t, "(unset)\n", out)

	out, err = run(t, cfg, "audit", "list", "--kind", "CONFIG")
	require.NoError(t, err)
	assert.Equal(t, 2, bytes.Count([]byte(out), []byte("\n")))

	out, err = run(t, cfg, "audit", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "audit chain ok: 2 records")
}

func TestTriggerInProcess(t *testing.T) {
	cfg := tempConfig(t)
	_, err := run(t, cfg, "settings", "set", "stale_application_days", "7")
	require.NoError(t, err)

	out, err := run(t, cfg, "trigger", "stale-detector")
	require.NoError(t, err)
	assert.Contains(t, out, "stale_detector run")

	_, err = run(t, cfg, "trigger", "auto_hire")
	require.Error(t, err)
}
