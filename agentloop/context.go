package agentloop

import (
	"context"
	"fmt"

	"github.com/treeline-ai/treeline/compaction"
	"github.com/treeline-ai/treeline/llm"
	"github.com/treeline-ai/treeline/sessionlog"
)

// branchView is the effective context derived from the active branch: the
// most recent compaction (if any) plus every entry it doesn't cover. Older
// compactions are subsumed by the newest one.
type branchView struct {
	compactionEntry *sessionlog.Entry
	lastCompaction  *sessionlog.CompactionPayload
	suffix          []sessionlog.Entry
}

// effectiveView computes the branch view for the current tip.
func (l *Loop) effectiveView() (*branchView, error) {
	branch, err := l.log.ActiveBranch()
	if err != nil {
		return nil, fmt.Errorf("read active branch: %w", err)
	}
	return newBranchView(branch), nil
}

func newBranchView(branch []sessionlog.Entry) *branchView {
	v := &branchView{}

	lastCompactionIdx := -1
	for i := len(branch) - 1; i >= 0; i-- {
		if branch[i].Type == sessionlog.EntryCompaction {
			lastCompactionIdx = i
			break
		}
	}

	covered := make(map[int64]bool)
	if lastCompactionIdx >= 0 {
		e := branch[lastCompactionIdx]
		v.compactionEntry = &e
		v.lastCompaction = e.Compaction
		for _, id := range e.Compaction.CoveredEntryIDs {
			covered[id] = true
		}
	}

	for _, e := range branch {
		if e.Type == sessionlog.EntryCompaction || covered[e.ID] {
			continue
		}
		v.suffix = append(v.suffix, e)
	}
	return v
}

// entries returns the effective branch in the order the compactor expects:
// the newest compaction first (so it folds into the next summary), then the
// uncovered entries.
func (v *branchView) entries() []sessionlog.Entry {
	if v.compactionEntry == nil {
		return v.suffix
	}
	out := make([]sessionlog.Entry, 0, len(v.suffix)+1)
	out = append(out, *v.compactionEntry)
	return append(out, v.suffix...)
}

// usedTokens estimates the context footprint of the next model call.
func (v *branchView) usedTokens(est *compaction.Estimator, systemPrompt string) int {
	return est.Count(systemPrompt) + est.CountEntries(v.entries())
}

// messages renders the effective branch as model messages: the compaction
// summary first, then the verbatim suffix.
func (v *branchView) messages() []llm.Message {
	var msgs []llm.Message

	if v.lastCompaction != nil {
		msgs = append(msgs, llm.UserMessage(
			"Summary of the conversation so far:\n\n"+v.lastCompaction.Summary))
	}

	for _, e := range v.suffix {
		switch e.Type {
		case sessionlog.EntryMessage:
			m := e.Message
			switch m.Role {
			case sessionlog.RoleUser:
				msgs = append(msgs, llm.UserMessage(m.Content))
			case sessionlog.RoleAssistant:
				msg := llm.Message{Role: llm.RoleAssistant}
				if m.Content != "" {
					msg.Content = append(msg.Content, llm.TextPart(m.Content))
				}
				for _, tc := range m.ToolCalls {
					msg.Content = append(msg.Content, llm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
				}
				msgs = append(msgs, msg)
			case sessionlog.RoleToolResult:
				for _, r := range m.Results {
					msgs = append(msgs, llm.ToolResultMessage(r.ToolCallID, r.Content, r.IsError))
				}
			}
		case sessionlog.EntryBranchSummary:
			msgs = append(msgs, llm.UserMessage(
				"Summary of an abandoned line of work:\n\n"+e.BranchSummary.Summary))
		case sessionlog.EntryLabel:
			// Bookmarks carry no conversational content.
		}
	}
	return msgs
}

// modelSummarizer adapts the llm client to the compaction engine's
// Summarizer interface. It makes exactly one attempt: a failure here flips
// the engine to its deterministic fallback rather than hammering an
// unavailable model.
type modelSummarizer struct {
	client   *llm.Client
	model    string
	provider string
}

func (s *modelSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	resp, err := s.client.Complete(ctx, llm.Request{
		Model:    s.model,
		Provider: s.provider,
		Messages: []llm.Message{llm.UserMessage(prompt)},
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
