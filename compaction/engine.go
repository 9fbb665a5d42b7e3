package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/treeline-ai/treeline/sessionlog"
)

// State is the engine's position in one trigger cycle.
type State string

const (
	StateIdle                State = "idle"
	StateTriggered           State = "triggered"
	StateSummarizing         State = "summarizing"
	StateFallbackSummarizing State = "fallback_summarizing"
	StateApplied             State = "applied"
	StateFailed              State = "failed"
)

// FailureError reports that both the primary and fallback summarization
// paths failed. The session remains usable at its pre-compaction state.
type FailureError struct {
	Cause error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("compaction failed: %v", e.Cause)
}

func (e *FailureError) Unwrap() error { return e.Cause }

// Summarizer produces a natural-language summary for a prompt. The agent
// runtime backs this with the model client; tests back it with fakes.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// DetailsHook can enrich CompactionDetails before the compaction entry is
// persisted. Pre hooks run before summarization, post hooks after.
type DetailsHook func(details *sessionlog.CompactionDetails, window []sessionlog.Entry)

// FileAccessFunc classifies a tool call's file operations. It returns the
// paths the call reads and the paths it modifies.
type FileAccessFunc func(toolName string, args json.RawMessage) (reads []string, writes []string)

// DefaultFileAccess knows the built-in coding tools.
func DefaultFileAccess(toolName string, args json.RawMessage) ([]string, []string) {
	var parsed struct {
		FilePath string `json:"file_path"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil || parsed.FilePath == "" {
		return nil, nil
	}
	switch toolName {
	case "read_file":
		return []string{parsed.FilePath}, nil
	case "write_file", "edit_file":
		return nil, []string{parsed.FilePath}
	default:
		return nil, nil
	}
}

// Config controls trigger math and window selection.
type Config struct {
	// ContextWindow is the model's total context size in tokens.
	ContextWindow int `json:"context_window" yaml:"context_window"`
	// ReserveTokens is the safety margin kept free for the model's own next
	// response. The trigger fires when used > ContextWindow - ReserveTokens.
	ReserveTokens int `json:"reserve_tokens" yaml:"reserve_tokens"`
	// KeepRecentTokens is the verbatim suffix target: the most recent
	// entries totalling up to this many tokens are never summarized away.
	KeepRecentTokens int `json:"keep_recent_tokens" yaml:"keep_recent_tokens"`
	// FallbackSnippetChars bounds the per-message snippet length used by the
	// rule-based fallback summary.
	FallbackSnippetChars int `json:"fallback_snippet_chars" yaml:"fallback_snippet_chars"`
}

// DefaultConfig returns the default compaction configuration for a context
// window size.
func DefaultConfig(contextWindow int) Config {
	return Config{
		ContextWindow:        contextWindow,
		ReserveTokens:        16384,
		KeepRecentTokens:     20000,
		FallbackSnippetChars: 200,
	}
}

// Engine runs compaction cycles over a session's active branch.
type Engine struct {
	cfg        Config
	est        *Estimator
	summarizer Summarizer
	fileAccess FileAccessFunc
	preHooks   []DetailsHook
	postHooks  []DetailsHook
	logger     *slog.Logger

	mu    sync.Mutex
	state State
}

// Option configures an Engine.
type Option func(*Engine)

// WithSummarizer sets the model-backed summarizer for the primary path.
// Without one, every cycle uses the rule-based fallback.
func WithSummarizer(s Summarizer) Option {
	return func(e *Engine) { e.summarizer = s }
}

// WithFileAccess overrides the tool-call file classifier.
func WithFileAccess(f FileAccessFunc) Option {
	return func(e *Engine) { e.fileAccess = f }
}

// WithPreHook adds a hook that runs before summarization.
func WithPreHook(h DetailsHook) Option {
	return func(e *Engine) { e.preHooks = append(e.preHooks, h) }
}

// WithPostHook adds a hook that runs after summarization, before the entry
// is returned for persistence.
func WithPostHook(h DetailsHook) Option {
	return func(e *Engine) { e.postHooks = append(e.postHooks, h) }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine. The estimator is keyed to the model whose
// context window cfg describes.
func NewEngine(cfg Config, model string, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		est:        NewEstimator(model),
		fileAccess: DefaultFileAccess,
		state:      StateIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the engine's position in the current cycle.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Estimator exposes the engine's token estimator for context accounting.
func (e *Engine) Estimator() *Estimator { return e.est }

// Budget returns the trigger threshold in tokens.
func (e *Engine) Budget() int {
	return e.cfg.ContextWindow - e.cfg.ReserveTokens
}

// ShouldCompact reports whether the trigger condition holds for a usage.
func (e *Engine) ShouldCompact(usedTokens int) bool {
	return usedTokens > e.Budget()
}

// Result describes one applied compaction. Entry is unappended; the caller
// owns appending it to the log.
type Result struct {
	Entry        sessionlog.Entry
	Strategy     sessionlog.CompactionStrategy
	SuffixStart  int // index into the input branch of the first kept entry
	TokensBefore int
	TokensAfter  int
}

// Compact runs one cycle over the active branch (root-first order, as of the
// moment of trigger). The selected prefix is contiguous and closed: entries
// appended after this call are unaffected.
func (e *Engine) Compact(ctx context.Context, branch []sessionlog.Entry) (*Result, error) {
	e.setState(StateTriggered)

	prefix, suffixStart := e.selectWindow(branch)
	if len(prefix) == 0 {
		e.setState(StateFailed)
		return nil, &FailureError{Cause: fmt.Errorf("no entries old enough to compact")}
	}

	tokensBefore := e.est.CountEntries(branch)

	// Track files from tool calls directly; this never depends on the model
	// mentioning files correctly.
	details, previousSummary, covered := e.gatherWindow(prefix)
	for _, h := range e.preHooks {
		h(&details, prefix)
	}

	summary, strategy, err := e.summarize(ctx, previousSummary, prefix, &details)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}

	for _, h := range e.postHooks {
		h(&details, prefix)
	}

	entry := sessionlog.NewCompaction(summary, details, strategy, covered)
	tokensAfter := e.est.CountEntry(entry) + e.est.CountEntries(branch[suffixStart:])

	if e.logger != nil {
		e.logger.Info("compaction applied",
			"strategy", string(strategy),
			"covered", len(covered),
			"tokens_before", tokensBefore,
			"tokens_after", tokensAfter)
	}

	e.setState(StateApplied)
	return &Result{
		Entry:        entry,
		Strategy:     strategy,
		SuffixStart:  suffixStart,
		TokensBefore: tokensBefore,
		TokensAfter:  tokensAfter,
	}, nil
}

// summarize runs the primary path and falls back to the deterministic
// summary when the model is unavailable or errors.
func (e *Engine) summarize(ctx context.Context, previousSummary string, window []sessionlog.Entry, details *sessionlog.CompactionDetails) (string, sessionlog.CompactionStrategy, error) {
	if e.summarizer != nil {
		e.setState(StateSummarizing)
		prompt := buildSummaryPrompt(previousSummary, window)
		text, err := e.summarizer.Summarize(ctx, prompt)
		if err == nil {
			return parseMarkers(text, details), sessionlog.StrategyLLM, nil
		}
		if e.logger != nil {
			e.logger.Warn("summarization failed, using fallback", "error", err)
		}
	}

	e.setState(StateFallbackSummarizing)
	snippet := e.cfg.FallbackSnippetChars
	if snippet <= 0 {
		snippet = 200
	}
	summary := buildFallbackSummary(previousSummary, window, snippet)
	if summary == "" {
		return "", "", &FailureError{Cause: fmt.Errorf("fallback produced an empty summary")}
	}
	return summary, sessionlog.StrategyFallback, nil
}

// selectWindow splits the branch into the prefix to compact and the index of
// the first entry kept verbatim. The suffix is chosen by token target, not
// entry count.
func (e *Engine) selectWindow(branch []sessionlog.Entry) ([]sessionlog.Entry, int) {
	keep := e.cfg.KeepRecentTokens
	suffixStart := len(branch)
	suffixTokens := 0
	for suffixStart > 0 {
		t := e.est.CountEntry(branch[suffixStart-1])
		// The most recent entry is always kept verbatim, even if it alone
		// exceeds the target.
		if suffixTokens+t > keep && suffixStart != len(branch) {
			break
		}
		suffixTokens += t
		suffixStart--
	}
	return branch[:suffixStart], suffixStart
}

// gatherWindow walks the prefix collecting the audit trail: file access from
// tool calls, plus any previous compaction's summary and details to fold in.
func (e *Engine) gatherWindow(prefix []sessionlog.Entry) (sessionlog.CompactionDetails, string, []int64) {
	var details sessionlog.CompactionDetails
	previousSummary := ""
	covered := make([]int64, 0, len(prefix))

	for _, entry := range prefix {
		covered = append(covered, entry.ID)

		switch entry.Type {
		case sessionlog.EntryCompaction:
			if c := entry.Compaction; c != nil {
				// Iterative summarization: carry the prior summary and keep
				// the audit trail monotone across compactions.
				previousSummary = c.Summary
				details.AddReadFiles(c.Details.ReadFiles...)
				details.AddModifiedFiles(c.Details.ModifiedFiles...)
				details.Decisions = append(details.Decisions, c.Details.Decisions...)
				details.Errors = append(details.Errors, c.Details.Errors...)
				details.PendingTasks = append(details.PendingTasks, c.Details.PendingTasks...)
			}
		case sessionlog.EntryMessage:
			if m := entry.Message; m != nil {
				for _, tc := range m.ToolCalls {
					reads, writes := e.fileAccess(tc.Name, tc.Arguments)
					details.AddReadFiles(reads...)
					details.AddModifiedFiles(writes...)
				}
			}
		}
	}
	return details, previousSummary, covered
}
