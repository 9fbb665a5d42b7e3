package agentloop

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/treeline-ai/treeline/compaction"
	"github.com/treeline-ai/treeline/llm"
)

// Config holds loop configuration.
type Config struct {
	Model    string `json:"model" yaml:"model"`
	Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`

	// SessionPath is the JSONL file backing the session log. Empty means an
	// in-memory log with no durability.
	SessionPath string `json:"session_path,omitempty" yaml:"session_path,omitempty"`

	MaxToolRoundsPerInput int `json:"max_tool_rounds_per_input" yaml:"max_tool_rounds_per_input"`

	DefaultShellTimeout time.Duration `json:"default_shell_timeout" yaml:"default_shell_timeout"`
	MaxShellTimeout     time.Duration `json:"max_shell_timeout" yaml:"max_shell_timeout"`

	ToolOutputLimits map[string]int `json:"tool_output_limits,omitempty" yaml:"tool_output_limits,omitempty"`
	ToolLineLimits   map[string]int `json:"tool_line_limits,omitempty" yaml:"tool_line_limits,omitempty"`

	EnableLoopDetection bool `json:"enable_loop_detection" yaml:"enable_loop_detection"`
	LoopDetectionWindow int  `json:"loop_detection_window" yaml:"loop_detection_window"`

	// UserInstructions is appended last to the system prompt.
	UserInstructions string `json:"user_instructions,omitempty" yaml:"user_instructions,omitempty"`

	Compaction compaction.Config `json:"compaction" yaml:"compaction"`
}

// DefaultConfig returns the default configuration for a model. The
// compaction budget is derived from the model's catalog context window.
func DefaultConfig(model string) Config {
	return Config{
		Model:                 model,
		MaxToolRoundsPerInput: 200,
		DefaultShellTimeout:   10 * time.Second,
		MaxShellTimeout:       10 * time.Minute,
		EnableLoopDetection:   true,
		LoopDetectionWindow:   10,
		Compaction:            compaction.DefaultConfig(llm.ContextWindowFor(model)),
	}
}

// LoadConfig reads a YAML config file and fills unset fields with defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Model == "" {
		return Config{}, fmt.Errorf("config %s: model is required", path)
	}

	defaults := DefaultConfig(cfg.Model)
	if cfg.MaxToolRoundsPerInput == 0 {
		cfg.MaxToolRoundsPerInput = defaults.MaxToolRoundsPerInput
	}
	if cfg.DefaultShellTimeout == 0 {
		cfg.DefaultShellTimeout = defaults.DefaultShellTimeout
	}
	if cfg.MaxShellTimeout == 0 {
		cfg.MaxShellTimeout = defaults.MaxShellTimeout
	}
	if cfg.LoopDetectionWindow == 0 {
		cfg.LoopDetectionWindow = defaults.LoopDetectionWindow
	}
	if cfg.Compaction.ContextWindow == 0 {
		cfg.Compaction.ContextWindow = defaults.Compaction.ContextWindow
	}
	if cfg.Compaction.ReserveTokens == 0 {
		cfg.Compaction.ReserveTokens = defaults.Compaction.ReserveTokens
	}
	if cfg.Compaction.KeepRecentTokens == 0 {
		cfg.Compaction.KeepRecentTokens = defaults.Compaction.KeepRecentTokens
	}
	if cfg.Compaction.FallbackSnippetChars == 0 {
		cfg.Compaction.FallbackSnippetChars = defaults.Compaction.FallbackSnippetChars
	}
	return cfg, nil
}
