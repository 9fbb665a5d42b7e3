package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/treeline-ai/treeline/sessionlog"
)

// toolCallSignature computes a deterministic signature for a tool call
// (name + hash of arguments).
func toolCallSignature(name string, arguments json.RawMessage) string {
	h := sha256.Sum256(arguments)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// recentToolCallSignatures extracts signatures from the most recent tool
// calls on the branch, in chronological order.
func recentToolCallSignatures(branch []sessionlog.Entry, count int) []string {
	var sigs []string
	for i := len(branch) - 1; i >= 0 && len(sigs) < count; i-- {
		e := branch[i]
		if e.Type != sessionlog.EntryMessage || e.Message == nil {
			continue
		}
		for j := len(e.Message.ToolCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			tc := e.Message.ToolCalls[j]
			sigs = append(sigs, toolCallSignature(tc.Name, tc.Arguments))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// DetectLoop reports whether the last windowSize tool calls on the branch
// follow a repeating pattern of length 1, 2, or 3.
func DetectLoop(branch []sessionlog.Entry, windowSize int) bool {
	sigs := recentToolCallSignatures(branch, windowSize)
	if len(sigs) < windowSize {
		return false
	}

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if windowSize%patternLen != 0 {
			continue
		}
		pattern := sigs[:patternLen]
		match := true
		for i := patternLen; i < windowSize && match; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if sigs[i+j] != pattern[j] {
					match = false
					break
				}
			}
		}
		if match {
			return true
		}
	}
	return false
}
