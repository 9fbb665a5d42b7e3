package sessionlog

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/treeline-ai/treeline/llm"
)

// EntryType discriminates between entry variants.
type EntryType string

const (
	EntryMessage       EntryType = "message"
	EntryCompaction    EntryType = "compaction"
	EntryBranchSummary EntryType = "branch_summary"
	EntryLabel         EntryType = "label"
)

// MessageRole identifies who produced a message entry.
type MessageRole string

const (
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolResult MessageRole = "tool_result"
)

// MessagePayload holds a conversation message.
type MessagePayload struct {
	Role      MessageRole      `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []llm.ToolCall   `json:"tool_calls,omitempty"`
	Results   []llm.ToolResult `json:"results,omitempty"`
}

// Decision records a choice made during the session with its rationale.
type Decision struct {
	Description string `json:"description"`
	Rationale   string `json:"rationale,omitempty"`
}

// ErrorNote records an error encountered during the session and how it was
// resolved.
type ErrorNote struct {
	Description string `json:"description"`
	Resolution  string `json:"resolution,omitempty"`
}

// CompactionDetails is the structured audit trail carried by a compaction
// entry. File sets accumulate monotonically within one compaction event.
type CompactionDetails struct {
	ReadFiles     []string    `json:"read_files,omitempty"`
	ModifiedFiles []string    `json:"modified_files,omitempty"`
	Decisions     []Decision  `json:"decisions,omitempty"`
	Errors        []ErrorNote `json:"errors,omitempty"`
	PendingTasks  []string    `json:"pending_tasks,omitempty"`
}

// AddReadFiles merges paths into the read set, keeping it sorted and deduped.
func (d *CompactionDetails) AddReadFiles(paths ...string) {
	d.ReadFiles = mergePaths(d.ReadFiles, paths)
}

// AddModifiedFiles merges paths into the modified set.
func (d *CompactionDetails) AddModifiedFiles(paths ...string) {
	d.ModifiedFiles = mergePaths(d.ModifiedFiles, paths)
}

func mergePaths(existing []string, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	for _, p := range existing {
		seen[p] = true
	}
	for _, p := range add {
		if p != "" {
			seen[p] = true
		}
	}
	merged := make([]string, 0, len(seen))
	for p := range seen {
		merged = append(merged, p)
	}
	sort.Strings(merged)
	return merged
}

// CompactionStrategy distinguishes model-generated from rule-based summaries.
type CompactionStrategy string

const (
	StrategyLLM      CompactionStrategy = "llm"
	StrategyFallback CompactionStrategy = "fallback"
)

// CompactionPayload holds a summary entry replacing an aged prefix of the
// active branch.
type CompactionPayload struct {
	Summary         string             `json:"summary"`
	Details         CompactionDetails  `json:"details"`
	Strategy        CompactionStrategy `json:"strategy"`
	CoveredEntryIDs []int64            `json:"covered_entry_ids"`
}

// BranchSummaryPayload preserves a description of an abandoned subtree so its
// content stays discoverable without being replayed into context.
type BranchSummaryPayload struct {
	Summary               string `json:"summary"`
	AbandonedBranchRootID int64  `json:"abandoned_branch_root_id"`
}

// LabelPayload bookmarks a point in the tree.
type LabelPayload struct {
	Label string `json:"label"`
}

// Entry is one immutable record in the session log. Exactly one payload
// field is set, matching Type.
type Entry struct {
	ID        int64     `json:"id"`
	ParentID  int64     `json:"parent_id"` // 0 = root (no parent)
	Type      EntryType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Message       *MessagePayload       `json:"message,omitempty"`
	Compaction    *CompactionPayload    `json:"compaction,omitempty"`
	BranchSummary *BranchSummaryPayload `json:"branch_summary,omitempty"`
	Label         *LabelPayload         `json:"label,omitempty"`
}

// NewUserMessage creates an unappended user message entry.
func NewUserMessage(content string) Entry {
	return Entry{Type: EntryMessage, Message: &MessagePayload{Role: RoleUser, Content: content}}
}

// NewAssistantMessage creates an unappended assistant message entry.
func NewAssistantMessage(content string, toolCalls []llm.ToolCall) Entry {
	return Entry{Type: EntryMessage, Message: &MessagePayload{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}}
}

// NewToolResults creates an unappended tool result entry. Results must be in
// the originating turn's call order.
func NewToolResults(results []llm.ToolResult) Entry {
	return Entry{Type: EntryMessage, Message: &MessagePayload{Role: RoleToolResult, Results: results}}
}

// NewCompaction creates an unappended compaction entry.
func NewCompaction(summary string, details CompactionDetails, strategy CompactionStrategy, covered []int64) Entry {
	return Entry{Type: EntryCompaction, Compaction: &CompactionPayload{
		Summary: summary, Details: details, Strategy: strategy, CoveredEntryIDs: covered,
	}}
}

// NewBranchSummary creates an unappended branch summary entry.
func NewBranchSummary(summary string, abandonedRootID int64) Entry {
	return Entry{Type: EntryBranchSummary, BranchSummary: &BranchSummaryPayload{
		Summary: summary, AbandonedBranchRootID: abandonedRootID,
	}}
}

// NewLabel creates an unappended label entry.
func NewLabel(label string) Entry {
	return Entry{Type: EntryLabel, Label: &LabelPayload{Label: label}}
}

// TextContent returns the primary text of an entry regardless of its type.
func (e Entry) TextContent() string {
	switch e.Type {
	case EntryMessage:
		if e.Message != nil {
			return e.Message.Content
		}
	case EntryCompaction:
		if e.Compaction != nil {
			return e.Compaction.Summary
		}
	case EntryBranchSummary:
		if e.BranchSummary != nil {
			return e.BranchSummary.Summary
		}
	case EntryLabel:
		if e.Label != nil {
			return e.Label.Label
		}
	}
	return ""
}

// clone returns an independent deep copy so callers can never mutate the
// stored entry through a returned value.
func (e Entry) clone() Entry {
	out := e
	if e.Message != nil {
		m := *e.Message
		m.ToolCalls = append([]llm.ToolCall(nil), e.Message.ToolCalls...)
		m.Results = append([]llm.ToolResult(nil), e.Message.Results...)
		out.Message = &m
	}
	if e.Compaction != nil {
		c := *e.Compaction
		c.CoveredEntryIDs = append([]int64(nil), e.Compaction.CoveredEntryIDs...)
		c.Details.ReadFiles = append([]string(nil), e.Compaction.Details.ReadFiles...)
		c.Details.ModifiedFiles = append([]string(nil), e.Compaction.Details.ModifiedFiles...)
		c.Details.Decisions = append([]Decision(nil), e.Compaction.Details.Decisions...)
		c.Details.Errors = append([]ErrorNote(nil), e.Compaction.Details.Errors...)
		c.Details.PendingTasks = append([]string(nil), e.Compaction.Details.PendingTasks...)
		out.Compaction = &c
	}
	if e.BranchSummary != nil {
		b := *e.BranchSummary
		out.BranchSummary = &b
	}
	if e.Label != nil {
		lb := *e.Label
		out.Label = &lb
	}
	return out
}

// record is the persisted JSONL shape: common envelope plus a type-dependent
// payload.
type record struct {
	ID        int64           `json:"id"`
	ParentID  *int64          `json:"parentId"`
	Type      EntryType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// marshalEntry encodes an entry as one JSONL record.
func marshalEntry(e Entry) ([]byte, error) {
	var payload interface{}
	switch e.Type {
	case EntryMessage:
		payload = e.Message
	case EntryCompaction:
		payload = e.Compaction
	case EntryBranchSummary:
		payload = e.BranchSummary
	case EntryLabel:
		payload = e.Label
	default:
		return nil, fmt.Errorf("unknown entry type %q", e.Type)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for entry %d: %w", e.ID, err)
	}

	rec := record{ID: e.ID, Type: e.Type, Timestamp: e.Timestamp, Payload: raw}
	if e.ParentID != 0 {
		pid := e.ParentID
		rec.ParentID = &pid
	}
	return json.Marshal(rec)
}

// recordTip is a control record type: it moves the active-branch pointer
// without adding an entry to the tree.
const recordTip EntryType = "tip"

type tipPayload struct {
	ID int64 `json:"id"`
}

// marshalTipRecord encodes a tip move as one JSONL control record.
func marshalTipRecord(id int64) ([]byte, error) {
	raw, err := json.Marshal(tipPayload{ID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal tip record: %w", err)
	}
	return json.Marshal(record{Type: recordTip, Timestamp: time.Now(), Payload: raw})
}

// decodeTipRecord reports whether line is a tip control record and, if so,
// the entry id it points at.
func decodeTipRecord(line []byte) (int64, bool, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return 0, false, fmt.Errorf("decode record: %w", err)
	}
	if rec.Type != recordTip {
		return 0, false, nil
	}
	var p tipPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return 0, false, fmt.Errorf("decode tip record: %w", err)
	}
	return p.ID, true, nil
}

// unmarshalEntry decodes one JSONL record into an entry.
func unmarshalEntry(line []byte) (Entry, error) {
	var rec record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Entry{}, fmt.Errorf("decode record: %w", err)
	}

	e := Entry{ID: rec.ID, Type: rec.Type, Timestamp: rec.Timestamp}
	if rec.ParentID != nil {
		e.ParentID = *rec.ParentID
	}

	var err error
	switch rec.Type {
	case EntryMessage:
		e.Message = &MessagePayload{}
		err = json.Unmarshal(rec.Payload, e.Message)
	case EntryCompaction:
		e.Compaction = &CompactionPayload{}
		err = json.Unmarshal(rec.Payload, e.Compaction)
	case EntryBranchSummary:
		e.BranchSummary = &BranchSummaryPayload{}
		err = json.Unmarshal(rec.Payload, e.BranchSummary)
	case EntryLabel:
		e.Label = &LabelPayload{}
		err = json.Unmarshal(rec.Payload, e.Label)
	default:
		return Entry{}, fmt.Errorf("unknown entry type %q in record %d", rec.Type, rec.ID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("decode payload for record %d: %w", rec.ID, err)
	}
	return e, nil
}
