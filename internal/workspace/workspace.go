// Package workspace owns the on-disk layout of per-task files inside a
// project's data directory:
//
//	<data>/tasks/<id>/state.json
//	<data>/tasks/<id>/task.log
//
// Each task gets its own directory so unrelated tasks never share
// mutable files.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

type Workspace struct {
	tasksDir string
}

func New(tasksDir string) *Workspace {
	return &Workspace{tasksDir: tasksDir}
}

func (w *Workspace) TaskDir(id string) string {
	return filepath.Join(w.tasksDir, id)
}

func (w *Workspace) StatePath(id string) string {
	return filepath.Join(w.TaskDir(id), "state.json")
}

func (w *Workspace) LogPath(id string) string {
	return filepath.Join(w.TaskDir(id), "task.log")
}

// EnsureTask creates the task directory if it does not exist yet.
func (w *Workspace) EnsureTask(id string) error {
	if id == "" {
		return fmt.Errorf("task id must not be empty")
	}
	if err := os.MkdirAll(w.TaskDir(id), 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	return nil
}

// ListTaskIDs returns the ids of all tasks that have a directory,
// sorted lexically (os.ReadDir order).
func (w *Workspace) ListTaskIDs() ([]string, error) {
	entries, err := os.ReadDir(w.tasksDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}

// RemoveTask deletes a task's directory, including its state and log.
func (w *Workspace) RemoveTask(id string) error {
	if id == "" {
		return fmt.Errorf("task id must not be empty")
	}
	return os.RemoveAll(w.TaskDir(id))
}
