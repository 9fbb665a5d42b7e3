package compaction

import (
	"strings"
	"testing"

	"github.com/treeline-ai/treeline/llm"
	"github.com/treeline-ai/treeline/sessionlog"
)

func TestParseMarkers(t *testing.T) {
	input := strings.Join([]string{
		"Refactored the session store.",
		"DECISION: keep JSONL format -- easy to replay line by line",
		"DECISION: no rationale given",
		"PENDING: wire up the retention policy",
		"ERROR: flaky append test -- pinned the clock",
		"",
		"More prose after the markers.",
	}, "\n")

	var details sessionlog.CompactionDetails
	prose := parseMarkers(input, &details)

	if strings.Contains(prose, "DECISION") || strings.Contains(prose, "PENDING") || strings.Contains(prose, "ERROR:") {
		t.Errorf("marker lines leaked into prose: %q", prose)
	}
	if !strings.Contains(prose, "Refactored the session store.") || !strings.Contains(prose, "More prose after the markers.") {
		t.Errorf("prose lines lost: %q", prose)
	}

	if len(details.Decisions) != 2 {
		t.Fatalf("decisions = %d, want 2", len(details.Decisions))
	}
	if details.Decisions[0].Description != "keep JSONL format" || details.Decisions[0].Rationale != "easy to replay line by line" {
		t.Errorf("decision[0] = %+v", details.Decisions[0])
	}
	if details.Decisions[1].Rationale != "" {
		t.Errorf("decision without rationale should have empty rationale, got %q", details.Decisions[1].Rationale)
	}
	if len(details.PendingTasks) != 1 || details.PendingTasks[0] != "wire up the retention policy" {
		t.Errorf("pending = %v", details.PendingTasks)
	}
	if len(details.Errors) != 1 || details.Errors[0].Resolution != "pinned the clock" {
		t.Errorf("errors = %+v", details.Errors)
	}
}

func TestParseMarkersIgnoresEmptyBodies(t *testing.T) {
	var details sessionlog.CompactionDetails
	parseMarkers("DECISION:\nERROR: --\nPENDING:   ", &details)
	if len(details.Decisions) != 0 || len(details.Errors) != 0 || len(details.PendingTasks) != 0 {
		t.Errorf("empty marker bodies must be dropped: %+v", details)
	}
}

func TestEstimatorNeverZeroForText(t *testing.T) {
	est := NewEstimator("test-model")
	if est.Count("") != 0 {
		t.Error("empty text must count as zero")
	}
	if est.Count("hello world, this is a sentence") == 0 {
		t.Error("non-empty text must count as non-zero")
	}
}

func TestEstimatorCountsToolTraffic(t *testing.T) {
	est := NewEstimator("test-model")
	plain := sessionlog.NewAssistantMessage("done", nil)
	withCall := sessionlog.NewAssistantMessage("done", []llm.ToolCall{
		{ID: "1", Name: "read_file", Arguments: []byte(`{"file_path":"a/very/long/path/to/some/file.go"}`)},
	})
	if est.CountEntry(withCall) <= est.CountEntry(plain) {
		t.Error("tool call arguments must add to the entry footprint")
	}
}
