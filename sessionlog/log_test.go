package sessionlog

import (
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/treeline-ai/treeline/llm"
)

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	log := New()

	id1, err := log.Append(NewUserMessage("first"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	id2, err := log.Append(NewAssistantMessage("second", nil))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if id1 != 1 || id2 != 2 {
		t.Errorf("expected ids 1,2 got %d,%d", id1, id2)
	}
	if log.Tip() != id2 {
		t.Errorf("tip = %d, want %d", log.Tip(), id2)
	}

	e2, ok := log.Entry(id2)
	if !ok {
		t.Fatal("entry 2 missing")
	}
	if e2.ParentID != id1 {
		t.Errorf("entry 2 parent = %d, want %d", e2.ParentID, id1)
	}
}

func TestChildrenIndexMaintainedOnAppend(t *testing.T) {
	log := New()
	root, _ := log.Append(NewUserMessage("root"))
	a, _ := log.Append(NewAssistantMessage("a", nil))

	// Branch off the root.
	if err := log.SetTip(root); err != nil {
		t.Fatalf("set tip: %v", err)
	}
	b, _ := log.Append(NewAssistantMessage("b", nil))

	kids := log.Children(root)
	if !reflect.DeepEqual(kids, []int64{a, b}) {
		t.Errorf("children of root = %v, want [%d %d]", kids, a, b)
	}
}

func TestBranchReturnsRootToLeaf(t *testing.T) {
	log := New()
	log.Append(NewUserMessage("one"))
	log.Append(NewAssistantMessage("two", nil))
	leaf, _ := log.Append(NewUserMessage("three"))

	branch, err := log.Branch(leaf)
	if err != nil {
		t.Fatalf("branch: %v", err)
	}
	if len(branch) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(branch))
	}
	want := []string{"one", "two", "three"}
	for i, e := range branch {
		if e.TextContent() != want[i] {
			t.Errorf("branch[%d] = %q, want %q", i, e.TextContent(), want[i])
		}
	}
}

func TestSetTipDoesNotDeleteDescendants(t *testing.T) {
	log := New()
	root, _ := log.Append(NewUserMessage("root"))
	abandoned, _ := log.Append(NewAssistantMessage("dead end", nil))

	if err := log.SetTip(root); err != nil {
		t.Fatalf("set tip: %v", err)
	}
	log.Append(NewBranchSummary("explored a dead end", abandoned))

	if _, ok := log.Entry(abandoned); !ok {
		t.Error("abandoned entry should still exist")
	}
	if log.Len() != 3 {
		t.Errorf("len = %d, want 3", log.Len())
	}
}

func TestAppendUnknownParentFails(t *testing.T) {
	log := New()
	e := NewUserMessage("orphan")
	e.ParentID = 42
	if _, err := log.Append(e); err == nil {
		t.Fatal("expected error for unknown parent")
	}
}

func TestEntriesAreStableOnRepeatedReads(t *testing.T) {
	log := New()
	id, _ := log.Append(NewAssistantMessage("stable", []llm.ToolCall{
		{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"file_path":"x"}`)},
	}))

	first, _ := log.Entry(id)
	firstBytes, _ := json.Marshal(first)

	// Mutating the returned copy must not affect the stored entry.
	first.Message.Content = "tampered"

	second, _ := log.Entry(id)
	secondBytes, _ := json.Marshal(second)
	if string(secondBytes) == "" || second.Message.Content != "stable" {
		t.Fatal("stored entry changed after read")
	}

	third, _ := log.Entry(id)
	thirdBytes, _ := json.Marshal(third)
	if string(secondBytes) != string(thirdBytes) {
		t.Error("repeated reads returned different bytes")
	}
	_ = firstBytes
}

func TestFileRoundTripAllVariants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")

	log, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	log.Append(NewUserMessage("hello"))
	log.Append(NewAssistantMessage("hi", []llm.ToolCall{{ID: "c1", Name: "shell", Arguments: json.RawMessage(`{"command":"ls"}`)}}))
	log.Append(NewToolResults([]llm.ToolResult{{ToolCallID: "c1", Content: "file.txt"}}))
	details := CompactionDetails{}
	details.AddReadFiles("a.go")
	details.AddModifiedFiles("b.go")
	log.Append(NewCompaction("did things", details, StrategyLLM, []int64{1, 2}))
	log.Append(NewLabel("checkpoint"))
	tip := log.Tip()

	if err := log.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reloaded.Close()

	if reloaded.Len() != 5 {
		t.Fatalf("len = %d, want 5", reloaded.Len())
	}
	if reloaded.Tip() != tip {
		t.Errorf("tip = %d, want %d", reloaded.Tip(), tip)
	}

	comp, ok := reloaded.Entry(4)
	if !ok || comp.Compaction == nil {
		t.Fatal("compaction entry missing after reload")
	}
	if comp.Compaction.Strategy != StrategyLLM {
		t.Errorf("strategy = %q", comp.Compaction.Strategy)
	}
	if !reflect.DeepEqual(comp.Compaction.Details.ReadFiles, []string{"a.go"}) {
		t.Errorf("read files = %v", comp.Compaction.Details.ReadFiles)
	}
	if !reflect.DeepEqual(comp.Compaction.CoveredEntryIDs, []int64{1, 2}) {
		t.Errorf("covered ids = %v", comp.Compaction.CoveredEntryIDs)
	}
}

func TestUserMessageDurableWithoutClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")

	log, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := log.Append(NewUserMessage("must survive"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	// Simulate a crash: no Flush, no Close.

	recovered, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer recovered.Close()

	if recovered.Tip() != id {
		t.Fatalf("tip after restart = %d, want %d", recovered.Tip(), id)
	}
	e, ok := recovered.Entry(id)
	if !ok || e.Message == nil || e.Message.Content != "must survive" {
		t.Errorf("user message not recovered: %+v", e)
	}

	_ = log // the crashed instance is abandoned
}

func TestTipSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.jsonl")

	log, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	first, _ := log.Append(NewUserMessage("one"))
	log.Append(NewAssistantMessage("two", nil))
	last, _ := log.Append(NewUserMessage("three"))

	// Rewind with no subsequent append, then simulate a crash.
	if err := log.SetTip(first); err != nil {
		t.Fatalf("set tip: %v", err)
	}

	recovered, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if recovered.Tip() != first {
		t.Fatalf("tip after restart = %d, want the rewound tip %d", recovered.Tip(), first)
	}
	if recovered.Len() != 3 {
		t.Errorf("len = %d, want 3; tip records must not become entries", recovered.Len())
	}

	// An append after the rewind moves the tip forward again.
	branched, err := recovered.Append(NewAssistantMessage("retry", nil))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := recovered.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	final, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer final.Close()

	if final.Tip() != branched {
		t.Errorf("tip = %d, want %d", final.Tip(), branched)
	}
	e, ok := final.Entry(branched)
	if !ok || e.ParentID != first {
		t.Errorf("retry entry parent = %d, want the rewound tip %d", e.ParentID, first)
	}
	if kids := final.Children(first); len(kids) != 2 {
		t.Errorf("children of %d = %v, want both branches", first, kids)
	}
	if _, ok := final.Entry(last); !ok {
		t.Error("abandoned leaf should still exist after the rewind")
	}
}

func TestCompactionDetailsMergeDedupes(t *testing.T) {
	d := CompactionDetails{}
	d.AddReadFiles("b.go", "a.go")
	d.AddReadFiles("a.go", "c.go", "")
	if !reflect.DeepEqual(d.ReadFiles, []string{"a.go", "b.go", "c.go"}) {
		t.Errorf("read files = %v", d.ReadFiles)
	}
}
