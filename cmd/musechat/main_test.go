package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoriesCommandOffline(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	t.Setenv("MUSECHAT_LOG_DIR", filepath.Join(dir, "logs"))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"memories",
		"--offline",
		"--agent", "42",
		"--telemetry=false",
		"--db", filepath.Join(dir, "test.db"),
	})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "0 entries (source: none)")
}

func TestMissingAgentFails(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	dir := t.TempDir()
	t.Setenv("MUSECHAT_LOG_DIR", filepath.Join(dir, "logs"))

	rootCmd.SetArgs([]string{"memories", "--offline", "--agent", "", "--telemetry=false", "--db", filepath.Join(dir, "test.db")})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent id is required")
}
