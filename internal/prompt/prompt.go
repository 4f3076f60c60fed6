// Package prompt loads task prompt files. A prompt is a plain text or
// markdown file; its filename stem becomes the stable task id. An
// optional fenced YAML frontmatter block lets a prompt describe its own
// execution settings.
package prompt

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Options are the per-task settings a prompt may declare in its
// frontmatter. CLI flags override these; these override config defaults.
type Options struct {
	Backend          string   `yaml:"backend"`
	BackendArgs      []string `yaml:"backend_args"`
	Loop             bool     `yaml:"loop"`
	MaxIterations    int      `yaml:"max_iterations"`
	CompletionMarker string   `yaml:"completion_marker"`
}

// Prompt is a loaded task description.
type Prompt struct {
	ID      string
	Path    string
	Body    string
	Options Options
}

// Load reads a prompt file, splits off any frontmatter, and derives the
// task id from the filename stem.
func Load(path string) (*Prompt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}

	opts, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("prompt file %s has no content", path)
	}

	return &Prompt{
		ID:      TaskID(path),
		Path:    path,
		Body:    string(body),
		Options: opts,
	}, nil
}

// TaskID derives the stable task identifier from a prompt path: the
// filename stem, lowercased, with runs of non-alphanumerics collapsed
// to single dashes.
func TaskID(path string) string {
	stem := filepath.Base(path)
	if ext := filepath.Ext(stem); ext != "" {
		stem = strings.TrimSuffix(stem, ext)
	}

	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(stem) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// splitFrontmatter separates a leading `---` fenced YAML block from the
// prompt body. A document without a fence is all body.
func splitFrontmatter(content []byte) (Options, []byte, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Options{}, normalized, nil
	}

	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Options{}, nil, fmt.Errorf("unterminated frontmatter block")
	}

	var opts Options
	if err := yaml.Unmarshal(parts[0], &opts); err != nil {
		return Options{}, nil, fmt.Errorf("invalid frontmatter: %w", err)
	}

	body := bytes.TrimPrefix(parts[1], []byte("\n"))
	return opts, body, nil
}
