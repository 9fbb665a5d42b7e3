package llm

import "testing"

func TestGetModelInfoByIDAndAlias(t *testing.T) {
	if info := GetModelInfo("claude-opus-4-6"); info == nil || info.Provider != "anthropic" {
		t.Errorf("expected anthropic model, got %+v", info)
	}
	if info := GetModelInfo("opus"); info == nil || info.ID != "claude-opus-4-6" {
		t.Errorf("alias lookup failed: %+v", info)
	}
	if info := GetModelInfo("no-such-model"); info != nil {
		t.Errorf("expected nil for unknown model, got %+v", info)
	}
}

func TestGetLatestModel(t *testing.T) {
	if info := GetLatestModel("openai"); info == nil || info.Provider != "openai" {
		t.Errorf("expected an openai model, got %+v", info)
	}
	if info := GetLatestModel("unknown"); info != nil {
		t.Errorf("expected nil for unknown provider, got %+v", info)
	}
}

func TestContextWindowFor(t *testing.T) {
	if got := ContextWindowFor("claude-sonnet-4-5"); got != 200000 {
		t.Errorf("expected 200000, got %d", got)
	}
	if got := ContextWindowFor("mystery"); got != DefaultContextWindow {
		t.Errorf("expected default window for unknown model, got %d", got)
	}
}
