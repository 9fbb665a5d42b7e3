package compaction

import (
	"fmt"
	"strings"

	"github.com/treeline-ai/treeline/sessionlog"
)

const summaryInstructions = `Summarize the conversation transcript below so an agent can resume work
without the original messages. Preserve goals, constraints, file paths, and
the current state of the work. Be concise but complete.

Emit structured markers on their own lines where applicable:
DECISION: <what was decided> -- <why>
PENDING: <task still to be done>
ERROR: <error encountered> -- <how it was resolved>`

// buildSummaryPrompt assembles the summarization request, folding in the
// previous compaction's summary so each compaction only has to process the
// newly aged-out messages.
func buildSummaryPrompt(previousSummary string, window []sessionlog.Entry) string {
	var sb strings.Builder
	sb.WriteString(summaryInstructions)
	sb.WriteString("\n\n")

	if previousSummary != "" {
		sb.WriteString("Summary of the conversation before this transcript:\n")
		sb.WriteString(previousSummary)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Transcript:\n")
	sb.WriteString(renderTranscript(window))
	return sb.String()
}

// renderTranscript formats entries for the summarizer, role-prefixed, with
// tool activity compressed to names and truncated content.
func renderTranscript(entries []sessionlog.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		switch e.Type {
		case sessionlog.EntryMessage:
			m := e.Message
			if m == nil {
				continue
			}
			switch m.Role {
			case sessionlog.RoleUser:
				fmt.Fprintf(&sb, "[user]: %s\n", m.Content)
			case sessionlog.RoleAssistant:
				if m.Content != "" {
					fmt.Fprintf(&sb, "[assistant]: %s\n", m.Content)
				}
				for _, tc := range m.ToolCalls {
					fmt.Fprintf(&sb, "[assistant tool call]: %s %s\n", tc.Name, truncate(string(tc.Arguments), 200))
				}
			case sessionlog.RoleToolResult:
				for _, r := range m.Results {
					status := "ok"
					if r.IsError {
						status = "error"
					}
					fmt.Fprintf(&sb, "[tool result %s]: %s\n", status, truncate(r.Content, 200))
				}
			}
		case sessionlog.EntryCompaction:
			// Previous summaries are folded in separately; skip here.
		case sessionlog.EntryBranchSummary:
			if e.BranchSummary != nil {
				fmt.Fprintf(&sb, "[abandoned branch]: %s\n", e.BranchSummary.Summary)
			}
		}
	}
	return sb.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
