package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagopus-project/pipeline-runtime/internal/gstate"
)

// withGlobalReset ensures every test starts and ends with a fresh
// process-wide lifecycle register, since run/task commands advance it
// to STARTED as a side effect.
func withGlobalReset(t *testing.T) {
	t.Helper()
	gstate.Global.ResetForTest()
	t.Cleanup(gstate.Global.ResetForTest)
}

// captureStdout runs fn with os.Stdout replaced by a pipe and returns
// whatever it wrote.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	old := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = old }()

	fn()

	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, err = io.Copy(&buf, r)
	require.NoError(t, err)
	return buf.String()
}

func TestBuildCLIStructure(t *testing.T) {
	root := BuildCLI()
	assert.Equal(t, "lagopusd", root.Use)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["stage"])
	assert.True(t, names["task"])

	for _, c := range root.Commands() {
		sub := map[string]bool{}
		for _, s := range c.Commands() {
			sub[s.Name()] = true
		}
		switch c.Name() {
		case "task":
			assert.True(t, sub["submit"])
			assert.True(t, sub["cancel"])
		case "stage":
			assert.True(t, sub["list"])
		}
	}
}

func TestLoadConfigOrDefaultFallsBackWhenMissing(t *testing.T) {
	old := configFile
	configFile = filepath.Join(t.TempDir(), "does-not-exist.yaml")
	defer func() { configFile = old }()

	cfg := loadConfigOrDefault()
	require.Len(t, cfg.Stages, 1)
	assert.Equal(t, "default", cfg.Stages[0].Name)
}

func TestStageListCommand(t *testing.T) {
	old := configFile
	defer func() { configFile = old }()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	doc := `
stages:
  - name: ingress
    workers: 3
    event_size: 1
    max_batch: 32
    cpu_affinity: [-1, -1, -1]
callout:
  workers: 1
  shutdown_timeout: 1s
metrics:
  enabled: false
  port: 9090
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	configFile = path

	root := BuildCLI()
	root.SetArgs([]string{"stage", "list"})

	out := captureStdout(t, func() {
		require.NoError(t, root.Execute())
	})
	assert.Contains(t, out, "ingress")
	assert.Contains(t, out, "workers=3")
}

func TestTaskSubmitCommand(t *testing.T) {
	withGlobalReset(t)

	root := BuildCLI()
	root.SetArgs([]string{"task", "submit", "--name", "cli-test-task", "--delay-ms", "0"})

	out := captureStdout(t, func() {
		require.NoError(t, root.Execute())
	})
	assert.Contains(t, out, `task "cli-test-task" executed`)
}

func TestTaskCancelCommand(t *testing.T) {
	withGlobalReset(t)

	root := BuildCLI()
	root.SetArgs([]string{"task", "cancel", "--delay-ms", "1000"})

	out := captureStdout(t, func() {
		require.NoError(t, root.Execute())
	})
	assert.Contains(t, out, "task state after cancel:")
}
