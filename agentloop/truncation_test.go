package agentloop

import (
	"strings"
	"testing"
)

func TestTruncateOutputUnderLimit(t *testing.T) {
	out := TruncateOutput("short", 100, TruncateHeadTail)
	if out != "short" {
		t.Errorf("under-limit output must pass through, got %q", out)
	}
}

func TestTruncateOutputHeadTail(t *testing.T) {
	input := strings.Repeat("a", 500) + strings.Repeat("z", 500)
	out := TruncateOutput(input, 200, TruncateHeadTail)

	if !strings.HasPrefix(out, strings.Repeat("a", 100)) {
		t.Error("head not preserved")
	}
	if !strings.HasSuffix(out, strings.Repeat("z", 100)) {
		t.Error("tail not preserved")
	}
	if !strings.Contains(out, "800 characters removed") {
		t.Errorf("missing removal notice: %q", out)
	}
}

func TestTruncateOutputTail(t *testing.T) {
	input := strings.Repeat("a", 500) + strings.Repeat("z", 100)
	out := TruncateOutput(input, 100, TruncateTail)
	if !strings.HasSuffix(out, strings.Repeat("z", 100)) {
		t.Error("tail mode must keep the end")
	}
	if strings.Contains(out[len(out)-100:], "a") {
		t.Error("tail mode must drop the beginning")
	}
}

func TestTruncateLines(t *testing.T) {
	input := strings.TrimSuffix(strings.Repeat("line\n", 100), "\n")
	out := TruncateLines(input, 10)
	if !strings.Contains(out, "90 lines omitted") {
		t.Errorf("missing omission notice: %q", out)
	}
	if got := len(strings.Split(out, "\n")); got > 12 {
		t.Errorf("too many lines after truncation: %d", got)
	}
}

func TestTruncateToolOutputUsesPerToolLimits(t *testing.T) {
	big := strings.Repeat("x", 40000)

	// shell caps at 30000 chars by default; read_file allows 50000.
	shellOut := TruncateToolOutput(big, "shell", nil, nil)
	if len(shellOut) >= len(big) {
		t.Error("shell output over its limit should shrink")
	}
	readOut := TruncateToolOutput(big, "read_file", nil, nil)
	if readOut != big {
		t.Error("read_file output under its limit should pass through")
	}

	// Caller overrides win.
	custom := TruncateToolOutput(big, "read_file", map[string]int{"read_file": 1000}, nil)
	if len(custom) >= len(big) {
		t.Error("caller-provided limit not applied")
	}
}
