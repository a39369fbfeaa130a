package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/dshills/rfqindex/internal/storage"
)

// run executes the CLI with output captured and exit codes returned as
// errors instead of terminating the test binary
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	app.ExitErrHandler = func(*cli.Context, error) {}
	err := app.Run(append([]string{"rfqindex"}, args...))
	return out.String(), err
}

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LOG_FILE", filepath.Join(dir, "rfqindex.log"))
	t.Setenv("RFQINDEX_CONFIG", "")
	return filepath.Join(dir, "index.db")
}

func TestVersionFlag(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "rfqindex "+version)
	assert.Contains(t, out, storage.BuildMode)
}

func TestMigrate(t *testing.T) {
	db := setupEnv(t)

	out, err := run(t, "--db", db, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version")
}

func TestStatusOnEmptyIndex(t *testing.T) {
	db := setupEnv(t)

	out, err := run(t, "--db", db, "status")
	require.NoError(t, err)

	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Empty(t, view["runs"])
	stats, ok := view["statistics"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 0, stats["chunks"])
}

func TestCommandErrors(t *testing.T) {
	db := setupEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"ingest-one without id", []string{"ingest-one"}, "requires an rfq id"},
		{"cancel without id", []string{"cancel"}, "requires a run id"},
		{"cancel unknown run", []string{"cancel", "missing"}, "not found"},
		{"status unknown run", []string{"status", "missing"}, "not found"},
		{"status bad limit", []string{"status", "--limit", "0"}, "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, append([]string{"--db", db}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestInvalidConfigFails(t *testing.T) {
	setupEnv(t)
	t.Setenv("CHUNK_OVERLAP", "5000")

	_, err := run(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
