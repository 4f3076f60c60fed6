package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePrompt(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadPlainPrompt(t *testing.T) {
	path := writePrompt(t, "fix-login.md", "Fix the login timeout bug.\n")

	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "fix-login", p.ID)
	assert.Equal(t, "Fix the login timeout bug.\n", p.Body)
	assert.Equal(t, Options{}, p.Options)
}

func TestLoadWithFrontmatter(t *testing.T) {
	content := `---
backend: claude
backend_args: ["--model", "opus"]
loop: true
max_iterations: 7
completion_marker: "ALL DONE"
---

Refactor the billing module.
`
	path := writePrompt(t, "billing refactor.md", content)

	p, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "billing-refactor", p.ID)
	assert.Equal(t, "Refactor the billing module.\n", p.Body)
	assert.Equal(t, "claude", p.Options.Backend)
	assert.Equal(t, []string{"--model", "opus"}, p.Options.BackendArgs)
	assert.True(t, p.Options.Loop)
	assert.Equal(t, 7, p.Options.MaxIterations)
	assert.Equal(t, "ALL DONE", p.Options.CompletionMarker)
}

func TestLoadUnterminatedFrontmatter(t *testing.T) {
	path := writePrompt(t, "bad.md", "---\nloop: true\nno closing fence\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadEmptyBody(t *testing.T) {
	path := writePrompt(t, "empty.md", "---\nloop: true\n---\n\n")

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.md"))
	assert.Error(t, err)
}

func TestLoadCRLF(t *testing.T) {
	path := writePrompt(t, "windows.md", "---\r\nloop: true\r\n---\r\nDo the thing.\r\n")

	p, err := Load(path)
	require.NoError(t, err)
	assert.True(t, p.Options.Loop)
	assert.Equal(t, "Do the thing.\n", p.Body)
}

func TestTaskID(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"fix-login.md", "fix-login"},
		{"/tmp/prompts/Fix Login.md", "fix-login"},
		{"My__Weird  Prompt!.txt", "my-weird-prompt"},
		{"task.v2.md", "task-v2"},
		{"---edge---.md", "edge"},
		{"UPPER.md", "upper"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, TaskID(tt.path), tt.path)
	}
}
