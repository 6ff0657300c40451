package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bastion.yaml")
	content := fmt.Sprintf(`
log:
  level: error
connection:
  path: %s
backup:
  dir: %s
audit:
  fallback_path: %s
api:
  addr: ""
`, filepath.Join(dir, "bastion.db"), filepath.Join(dir, "backups"), filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path, dir
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func TestMaintenanceCommands(t *testing.T) {
	cfg, dir := writeConfig(t)

	require.NoError(t, run(t, "db", "migrate", "--config", cfg, "--no-backup"))
	assert.FileExists(t, filepath.Join(dir, "bastion.db"))

	require.NoError(t, run(t, "db", "status", "--config", cfg))
	require.NoError(t, run(t, "db", "verify", "--config", cfg))

	require.NoError(t, run(t, "backup", "create", "--config", cfg))
	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	backupPath := filepath.Join(dir, "backups", entries[0].Name())

	require.NoError(t, run(t, "backup", "list", "--config", cfg))
	require.NoError(t, run(t, "backup", "verify", "--config", cfg, backupPath))

	assert.Error(t, run(t, "backup", "restore", "--config", cfg, entries[0].Name()), "restore needs --yes")
	require.NoError(t, run(t, "backup", "restore", "--config", cfg, "--yes", entries[0].Name()))

	require.NoError(t, run(t, "audit", "pending", "--config", cfg))
	require.NoError(t, run(t, "audit", "replay", "--config", cfg))
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backup:\n  max_count: 0\n"), 0o600))

	err := run(t, "config", "validate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backup:")
}
