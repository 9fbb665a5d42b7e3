package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/treeline-ai/treeline/llm"
	"github.com/treeline-ai/treeline/sessionlog"
)

type fakeSummarizer struct {
	calls   int
	reply   string
	err     error
	prompts []string
}

func (f *fakeSummarizer) Summarize(ctx context.Context, prompt string) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func TestShouldCompact(t *testing.T) {
	eng := NewEngine(Config{ContextWindow: 1000, ReserveTokens: 200}, "test-model")
	if eng.ShouldCompact(800) {
		t.Error("800 tokens must not trigger at budget 800")
	}
	if !eng.ShouldCompact(801) {
		t.Error("801 tokens must trigger at budget 800")
	}
}

func TestCompactUsesLLMSummaryAndParsesMarkers(t *testing.T) {
	branch := testBranch(t, 6)
	summ := &fakeSummarizer{reply: "Worked on the parser.\nDECISION: use recursive descent -- simpler to extend\nPENDING: add error recovery\nERROR: nil deref in lexer -- guarded the token peek"}

	eng := NewEngine(Config{ContextWindow: 100000, ReserveTokens: 1000, KeepRecentTokens: 10}, "test-model",
		WithSummarizer(summ))

	res, err := eng.Compact(context.Background(), branch)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if summ.calls != 1 {
		t.Errorf("summarizer calls = %d, want 1", summ.calls)
	}
	if res.Strategy != sessionlog.StrategyLLM {
		t.Errorf("strategy = %q, want llm", res.Strategy)
	}

	c := res.Entry.Compaction
	if c == nil {
		t.Fatal("missing compaction payload")
	}
	if strings.Contains(c.Summary, "DECISION:") {
		t.Error("marker lines should be stripped from the summary prose")
	}
	if len(c.Details.Decisions) != 1 || c.Details.Decisions[0].Rationale != "simpler to extend" {
		t.Errorf("decisions = %+v", c.Details.Decisions)
	}
	if len(c.Details.PendingTasks) != 1 || c.Details.PendingTasks[0] != "add error recovery" {
		t.Errorf("pending = %v", c.Details.PendingTasks)
	}
	if len(c.Details.Errors) != 1 || c.Details.Errors[0].Resolution != "guarded the token peek" {
		t.Errorf("errors = %+v", c.Details.Errors)
	}
	if eng.State() != StateApplied {
		t.Errorf("state = %q, want applied", eng.State())
	}
}

func TestCompactTracksFilesIndependentOfSummary(t *testing.T) {
	branch := testBranch(t, 5)
	// The model "forgets" to mention any files.
	summ := &fakeSummarizer{reply: "Stuff happened."}

	eng := NewEngine(Config{ContextWindow: 100000, ReserveTokens: 1000, KeepRecentTokens: 10}, "test-model",
		WithSummarizer(summ))

	res, err := eng.Compact(context.Background(), branch)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}

	details := res.Entry.Compaction.Details
	// Every file touched by a tool call in the covered window must be tracked.
	coveredSet := make(map[int64]bool)
	for _, id := range res.Entry.Compaction.CoveredEntryIDs {
		coveredSet[id] = true
	}
	for _, e := range branch {
		if !coveredSet[e.ID] || e.Message == nil {
			continue
		}
		for _, tc := range e.Message.ToolCalls {
			reads, writes := DefaultFileAccess(tc.Name, tc.Arguments)
			for _, p := range reads {
				if !contains(details.ReadFiles, p) {
					t.Errorf("read file %s not tracked", p)
				}
			}
			for _, p := range writes {
				if !contains(details.ModifiedFiles, p) {
					t.Errorf("modified file %s not tracked", p)
				}
			}
		}
	}
	if len(details.ReadFiles) == 0 || len(details.ModifiedFiles) == 0 {
		t.Fatalf("expected tracked files, got reads=%v writes=%v", details.ReadFiles, details.ModifiedFiles)
	}
}

func TestCompactFallsBackOnModelError(t *testing.T) {
	branch := testBranch(t, 5)
	summ := &fakeSummarizer{err: errors.New("connection refused")}

	eng := NewEngine(Config{ContextWindow: 100000, ReserveTokens: 1000, KeepRecentTokens: 10}, "test-model",
		WithSummarizer(summ))

	res, err := eng.Compact(context.Background(), branch)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.Strategy != sessionlog.StrategyFallback {
		t.Errorf("strategy = %q, want fallback", res.Strategy)
	}
	if summ.calls != 1 {
		t.Errorf("summarizer should be tried exactly once, got %d", summ.calls)
	}

	// File tracking is identical on the fallback path.
	if len(res.Entry.Compaction.Details.ModifiedFiles) == 0 {
		t.Error("fallback must still track modified files")
	}
	if !strings.Contains(res.Entry.Compaction.Summary, "request 0") {
		t.Errorf("fallback summary should include user snippets: %q", res.Entry.Compaction.Summary)
	}
	if !strings.Contains(res.Entry.Compaction.Summary, "read_file") {
		t.Errorf("fallback summary should list tool names: %q", res.Entry.Compaction.Summary)
	}
}

func TestCompactFallbackNeedsNoSummarizer(t *testing.T) {
	branch := testBranch(t, 3)
	eng := NewEngine(Config{ContextWindow: 100000, ReserveTokens: 1000, KeepRecentTokens: 10}, "test-model")

	res, err := eng.Compact(context.Background(), branch)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.Strategy != sessionlog.StrategyFallback {
		t.Errorf("strategy = %q, want fallback", res.Strategy)
	}
}

func TestCompactReducesTokensBelowBudget(t *testing.T) {
	branch := testBranch(t, 30)
	eng := NewEngine(Config{ContextWindow: 2000, ReserveTokens: 500, KeepRecentTokens: 300}, "test-model",
		WithSummarizer(&fakeSummarizer{reply: "short summary"}))

	used := eng.Estimator().CountEntries(branch)
	if !eng.ShouldCompact(used) {
		t.Fatalf("test branch too small to trigger: used=%d budget=%d", used, eng.Budget())
	}

	res, err := eng.Compact(context.Background(), branch)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.TokensAfter >= eng.Budget() {
		t.Errorf("tokens after compaction = %d, want < %d", res.TokensAfter, eng.Budget())
	}
	if res.TokensAfter >= res.TokensBefore {
		t.Errorf("compaction did not shrink: before=%d after=%d", res.TokensBefore, res.TokensAfter)
	}
}

func TestCompactKeepsRecentSuffixVerbatim(t *testing.T) {
	branch := testBranch(t, 10)
	eng := NewEngine(Config{ContextWindow: 100000, ReserveTokens: 1000, KeepRecentTokens: 100}, "test-model",
		WithSummarizer(&fakeSummarizer{reply: "ok"}))

	res, err := eng.Compact(context.Background(), branch)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.SuffixStart == len(branch) {
		t.Fatal("the most recent entry must be kept verbatim")
	}

	lastID := branch[len(branch)-1].ID
	for _, id := range res.Entry.Compaction.CoveredEntryIDs {
		if id == lastID {
			t.Error("most recent entry must not be covered by the compaction")
		}
	}
}

func TestCompactFoldsPreviousCompaction(t *testing.T) {
	log := sessionlog.New()
	prev := sessionlog.CompactionDetails{}
	prev.AddModifiedFiles("legacy/old.go")
	log.Append(sessionlog.NewCompaction("earlier work on the scanner", prev, sessionlog.StrategyLLM, []int64{}))
	for i := 0; i < 4; i++ {
		log.Append(sessionlog.NewUserMessage(strings.Repeat("more context ", 50)))
		log.Append(sessionlog.NewAssistantMessage("ack", nil))
	}
	branch, _ := log.ActiveBranch()

	summ := &fakeSummarizer{reply: "combined summary"}
	eng := NewEngine(Config{ContextWindow: 100000, ReserveTokens: 1000, KeepRecentTokens: 10}, "test-model",
		WithSummarizer(summ))

	res, err := eng.Compact(context.Background(), branch)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if !strings.Contains(summ.prompts[0], "earlier work on the scanner") {
		t.Error("previous summary was not folded into the prompt")
	}
	if !contains(res.Entry.Compaction.Details.ModifiedFiles, "legacy/old.go") {
		t.Error("previous compaction's file trail must carry forward")
	}
}

func TestCompactHooksEnrichDetails(t *testing.T) {
	branch := testBranch(t, 4)
	eng := NewEngine(Config{ContextWindow: 100000, ReserveTokens: 1000, KeepRecentTokens: 10}, "test-model",
		WithSummarizer(&fakeSummarizer{reply: "ok"}),
		WithPreHook(func(d *sessionlog.CompactionDetails, window []sessionlog.Entry) {
			d.PendingTasks = append(d.PendingTasks, "from pre hook")
		}),
		WithPostHook(func(d *sessionlog.CompactionDetails, window []sessionlog.Entry) {
			d.AddReadFiles("hook/added.go")
		}))

	res, err := eng.Compact(context.Background(), branch)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	d := res.Entry.Compaction.Details
	if !containsStr(d.PendingTasks, "from pre hook") {
		t.Error("pre hook enrichment missing")
	}
	if !contains(d.ReadFiles, "hook/added.go") {
		t.Error("post hook enrichment missing")
	}
}

func TestCompactNothingToCompact(t *testing.T) {
	log := sessionlog.New()
	log.Append(sessionlog.NewUserMessage("tiny"))
	branch, _ := log.ActiveBranch()

	eng := NewEngine(Config{ContextWindow: 1000, ReserveTokens: 100, KeepRecentTokens: 500}, "test-model")
	_, err := eng.Compact(context.Background(), branch)
	var fail *FailureError
	if !errors.As(err, &fail) {
		t.Errorf("expected FailureError, got %v", err)
	}
	if eng.State() != StateFailed {
		t.Errorf("state = %q, want failed", eng.State())
	}
}

// testBranch builds a branch of user/assistant/tool-result turns where each
// assistant turn reads one file and writes another.
func testBranch(t *testing.T, turns int) []sessionlog.Entry {
	t.Helper()
	log := sessionlog.New()
	for i := 0; i < turns; i++ {
		pad := strings.Repeat("the quick brown fox jumps over the lazy dog ", 10)
		log.Append(sessionlog.NewUserMessage(fmt.Sprintf("request %d: %s", i, pad)))

		readArgs := json.RawMessage(fmt.Sprintf(`{"file_path":"src/file%d.go"}`, i))
		writeArgs := json.RawMessage(fmt.Sprintf(`{"file_path":"out/file%d.go","content":"x"}`, i))
		log.Append(sessionlog.NewAssistantMessage("working", []llm.ToolCall{
			{ID: fmt.Sprintf("r%d", i), Name: "read_file", Arguments: readArgs},
			{ID: fmt.Sprintf("w%d", i), Name: "write_file", Arguments: writeArgs},
		}))
		log.Append(sessionlog.NewToolResults([]llm.ToolResult{
			{ToolCallID: fmt.Sprintf("r%d", i), Content: "contents"},
			{ToolCallID: fmt.Sprintf("w%d", i), Content: "ok"},
		}))
	}
	branch, err := log.ActiveBranch()
	if err != nil {
		t.Fatal(err)
	}
	return branch
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func containsStr(list []string, want string) bool { return contains(list, want) }
