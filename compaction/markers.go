package compaction

import (
	"strings"

	"github.com/treeline-ai/treeline/sessionlog"
)

// Structured marker prefixes the summarization prompt asks the model to emit.
// Lines carrying them are parsed into CompactionDetails; everything else is
// kept as summary prose.
const (
	markerDecision = "DECISION:"
	markerPending  = "PENDING:"
	markerError    = "ERROR:"
)

// parseMarkers extracts structured markers from a model-generated summary.
// The marker lines are removed from the returned summary text.
func parseMarkers(summary string, details *sessionlog.CompactionDetails) string {
	var kept []string
	for _, line := range strings.Split(summary, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, markerDecision):
			desc, rationale := splitMarkerBody(strings.TrimPrefix(trimmed, markerDecision))
			if desc != "" {
				details.Decisions = append(details.Decisions, sessionlog.Decision{Description: desc, Rationale: rationale})
			}
		case strings.HasPrefix(trimmed, markerPending):
			if task := strings.TrimSpace(strings.TrimPrefix(trimmed, markerPending)); task != "" {
				details.PendingTasks = append(details.PendingTasks, task)
			}
		case strings.HasPrefix(trimmed, markerError):
			desc, resolution := splitMarkerBody(strings.TrimPrefix(trimmed, markerError))
			if desc != "" {
				details.Errors = append(details.Errors, sessionlog.ErrorNote{Description: desc, Resolution: resolution})
			}
		default:
			kept = append(kept, line)
		}
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// splitMarkerBody splits "description -- detail" marker bodies.
func splitMarkerBody(body string) (string, string) {
	parts := strings.SplitN(body, "--", 2)
	desc := strings.TrimSpace(parts[0])
	detail := ""
	if len(parts) == 2 {
		detail = strings.TrimSpace(parts[1])
	}
	return desc, detail
}
