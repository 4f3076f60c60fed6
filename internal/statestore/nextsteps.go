package statestore

import (
	"strings"

	"github.com/foundermode/drover/internal/models"
)

// Markers that introduce an action-item block in backend output.
var nextStepMarkers = []string{"next steps", "todo", "remaining work"}

// ExtractNextSteps scans log text for action items following markers
// such as "Next steps:", "TODO:" or "Remaining work:" (case-insensitive).
// Items keep their source order, duplicates keep only their first
// occurrence, and at most MaxStoredNextSteps are returned.
func ExtractNextSteps(logText string) []string {
	var steps []string
	seen := make(map[string]struct{})

	add := func(item string) {
		if item == "" || len(steps) >= models.MaxStoredNextSteps {
			return
		}
		if _, dup := seen[item]; dup {
			return
		}
		seen[item] = struct{}{}
		steps = append(steps, item)
	}

	inBlock := false
	for _, line := range strings.Split(logText, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			inBlock = false
			continue
		}

		if rest, ok := matchMarker(trimmed); ok {
			inBlock = true
			add(stripBullet(rest))
			continue
		}

		if !inBlock {
			continue
		}
		if strings.HasSuffix(trimmed, ":") {
			// A new heading ends the block.
			inBlock = false
			continue
		}
		add(stripBullet(trimmed))
	}

	return steps
}

// matchMarker reports whether the line opens an action-item block, and
// returns any item text that follows the colon on the same line.
func matchMarker(line string) (string, bool) {
	lower := strings.ToLower(line)
	for _, marker := range nextStepMarkers {
		if !strings.HasPrefix(lower, marker) {
			continue
		}
		rest := strings.TrimSpace(line[len(marker):])
		if !strings.HasPrefix(rest, ":") {
			continue
		}
		return strings.TrimSpace(rest[1:]), true
	}
	return "", false
}

// stripBullet removes a leading list prefix: "-", "*", "•", or a
// number followed by "." or ")".
func stripBullet(item string) string {
	switch {
	case strings.HasPrefix(item, "- "), strings.HasPrefix(item, "* "):
		return strings.TrimSpace(item[2:])
	case strings.HasPrefix(item, "• "):
		return strings.TrimSpace(strings.TrimPrefix(item, "• "))
	}

	i := 0
	for i < len(item) && item[i] >= '0' && item[i] <= '9' {
		i++
	}
	if i > 0 && i < len(item) && (item[i] == '.' || item[i] == ')') {
		return strings.TrimSpace(item[i+1:])
	}

	return item
}
