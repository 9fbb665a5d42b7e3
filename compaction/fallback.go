package compaction

import (
	"fmt"
	"sort"
	"strings"

	"github.com/treeline-ai/treeline/sessionlog"
)

// buildFallbackSummary produces a deterministic, model-free summary of the
// window: a snippet of each user message plus every tool name invoked. It
// uses only data already in the log so a model outage can never leave the
// session stuck at a full context window.
func buildFallbackSummary(previousSummary string, window []sessionlog.Entry, snippetChars int) string {
	var sb strings.Builder
	sb.WriteString("Earlier conversation (rule-based summary):\n")

	if previousSummary != "" {
		sb.WriteString(previousSummary)
		sb.WriteString("\n")
	}

	toolNames := make(map[string]bool)
	for _, e := range window {
		if e.Type != sessionlog.EntryMessage || e.Message == nil {
			continue
		}
		switch e.Message.Role {
		case sessionlog.RoleUser:
			fmt.Fprintf(&sb, "- User: %s\n", truncate(e.Message.Content, snippetChars))
		case sessionlog.RoleAssistant:
			for _, tc := range e.Message.ToolCalls {
				toolNames[tc.Name] = true
			}
		}
	}

	if len(toolNames) > 0 {
		names := make([]string, 0, len(toolNames))
		for name := range toolNames {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&sb, "Tools invoked: %s\n", strings.Join(names, ", "))
	}

	return strings.TrimSpace(sb.String())
}
