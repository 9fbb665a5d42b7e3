package agentloop

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/treeline-ai/treeline/llm"
	"github.com/treeline-ai/treeline/sessionlog"
)

func branchWithToolCalls(calls []llm.ToolCall) []sessionlog.Entry {
	log := sessionlog.New()
	for _, tc := range calls {
		log.Append(sessionlog.NewAssistantMessage("", []llm.ToolCall{tc}))
		log.Append(sessionlog.NewToolResults([]llm.ToolResult{{ToolCallID: tc.ID, Content: "ok"}}))
	}
	branch, _ := log.ActiveBranch()
	return branch
}

func repeatedCalls(n int, names ...string) []llm.ToolCall {
	var calls []llm.ToolCall
	for i := 0; i < n; i++ {
		name := names[i%len(names)]
		calls = append(calls, llm.ToolCall{
			ID:        fmt.Sprintf("c%d", i),
			Name:      name,
			Arguments: json.RawMessage(fmt.Sprintf(`{"target":%q}`, name)),
		})
	}
	return calls
}

func TestDetectLoopSingleCallPattern(t *testing.T) {
	branch := branchWithToolCalls(repeatedCalls(10, "read_file"))
	if !DetectLoop(branch, 10) {
		t.Error("identical repeated calls should be detected")
	}
}

func TestDetectLoopAlternatingPattern(t *testing.T) {
	branch := branchWithToolCalls(repeatedCalls(10, "grep", "read_file"))
	if !DetectLoop(branch, 10) {
		t.Error("alternating two-call pattern should be detected")
	}
}

func TestDetectLoopNoPattern(t *testing.T) {
	var calls []llm.ToolCall
	for i := 0; i < 10; i++ {
		calls = append(calls, llm.ToolCall{
			ID:        fmt.Sprintf("c%d", i),
			Name:      "read_file",
			Arguments: json.RawMessage(fmt.Sprintf(`{"file":"f%d.go"}`, i)),
		})
	}
	branch := branchWithToolCalls(calls)
	if DetectLoop(branch, 10) {
		t.Error("distinct arguments should not be flagged as a loop")
	}
}

func TestDetectLoopInsufficientHistory(t *testing.T) {
	branch := branchWithToolCalls(repeatedCalls(3, "read_file"))
	if DetectLoop(branch, 10) {
		t.Error("short history cannot establish a loop")
	}
}
