package compaction

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/treeline-ai/treeline/sessionlog"
)

// charsPerToken is the heuristic ratio used when no tokenizer is available.
const charsPerToken = 4

// Estimator counts tokens for entries. It prefers a tiktoken encoding and
// degrades to a characters/4 heuristic when the encoding cannot be loaded
// (offline environments, unknown models).
type Estimator struct {
	enc *tiktoken.Tiktoken
}

// NewEstimator creates an estimator for the given model. The error from
// tiktoken is deliberately swallowed: estimation must always work.
func NewEstimator(model string) *Estimator {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	}
	return &Estimator{enc: enc}
}

// Count returns the estimated token count of a text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e != nil && e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// CountEntry estimates the token footprint of one log entry, including tool
// call arguments and tool result content.
func (e *Estimator) CountEntry(entry sessionlog.Entry) int {
	total := e.Count(entry.TextContent())
	if entry.Message != nil {
		for _, tc := range entry.Message.ToolCalls {
			total += e.Count(tc.Name) + e.Count(string(tc.Arguments))
		}
		for _, r := range entry.Message.Results {
			total += e.Count(r.Content)
		}
	}
	return total
}

// CountEntries estimates the total token footprint of a slice of entries.
func (e *Estimator) CountEntries(entries []sessionlog.Entry) int {
	total := 0
	for _, entry := range entries {
		total += e.CountEntry(entry)
	}
	return total
}
