package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaths(t *testing.T) {
	ws := New("/data/tasks")

	assert.Equal(t, filepath.Join("/data/tasks", "demo"), ws.TaskDir("demo"))
	assert.Equal(t, filepath.Join("/data/tasks", "demo", "state.json"), ws.StatePath("demo"))
	assert.Equal(t, filepath.Join("/data/tasks", "demo", "task.log"), ws.LogPath("demo"))
}

func TestEnsureTask(t *testing.T) {
	ws := New(filepath.Join(t.TempDir(), "tasks"))

	require.NoError(t, ws.EnsureTask("demo"))
	info, err := os.Stat(ws.TaskDir("demo"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// Idempotent.
	assert.NoError(t, ws.EnsureTask("demo"))

	assert.Error(t, ws.EnsureTask(""))
}

func TestListTaskIDs(t *testing.T) {
	ws := New(filepath.Join(t.TempDir(), "tasks"))

	// No tasks dir yet: empty, not an error.
	ids, err := ws.ListTaskIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, ws.EnsureTask("bravo"))
	require.NoError(t, ws.EnsureTask("alpha"))

	// Stray files are not tasks.
	require.NoError(t, os.WriteFile(filepath.Join(ws.TaskDir("alpha"), "..", "stray.txt"), []byte("x"), 0644))

	ids, err = ws.ListTaskIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "bravo"}, ids)
}

func TestRemoveTask(t *testing.T) {
	ws := New(filepath.Join(t.TempDir(), "tasks"))

	require.NoError(t, ws.EnsureTask("gone"))
	require.NoError(t, os.WriteFile(ws.LogPath("gone"), []byte("log\n"), 0644))

	require.NoError(t, ws.RemoveTask("gone"))
	_, err := os.Stat(ws.TaskDir("gone"))
	assert.True(t, os.IsNotExist(err))

	// Removing a missing task is not an error.
	assert.NoError(t, ws.RemoveTask("gone"))

	assert.Error(t, ws.RemoveTask(""))
}
