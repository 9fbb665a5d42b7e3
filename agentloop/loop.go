package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/treeline-ai/treeline/compaction"
	"github.com/treeline-ai/treeline/llm"
	"github.com/treeline-ai/treeline/sessionlog"
)

// disclosureThreshold is the fraction of the context window past which the
// model gets a usage self-report injected ahead of its call.
const disclosureThreshold = 0.5

// OutcomeKind discriminates how one submitted input finished.
type OutcomeKind string

const (
	OutcomeCompleted        OutcomeKind = "completed"
	OutcomeToolError        OutcomeKind = "tool_error"
	OutcomeCompactionFailed OutcomeKind = "compaction_failed"
	OutcomeCancelled        OutcomeKind = "cancelled"
)

// RunResult is the structured outcome of one Submit call.
type RunResult struct {
	Kind OutcomeKind
	// LastText is the final assistant text of the turn, if any.
	LastText string
	// Err carries detail for compaction_failed and cancelled outcomes.
	Err error
}

// ContextTransform rewrites the pending message list before a model call.
// Each transform receives its own copy; mutating the input slice never
// affects the loop's state.
type ContextTransform func(messages []llm.Message) []llm.Message

// Loop drives the model-call / tool-call cycle over a session log, with
// compaction consulted before every model call.
type Loop struct {
	id         string
	client     *llm.Client
	cfg        Config
	env        ExecutionEnvironment
	registry   *ToolRegistry
	log        *sessionlog.Log
	compactor  *compaction.Engine
	scheduler  *Scheduler
	emitter    *EventEmitter
	logger     *slog.Logger
	transforms []ContextTransform

	mu        sync.Mutex
	steering  []string
	followups []string
	closed    bool
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithRegistry replaces the default builtin tool registry.
func WithRegistry(reg *ToolRegistry) LoopOption {
	return func(l *Loop) { l.registry = reg }
}

// WithContextTransform appends a transform to the context pipeline.
// Transforms run in registration order, each seeing the prior one's output.
func WithContextTransform(t ContextTransform) LoopOption {
	return func(l *Loop) { l.transforms = append(l.transforms, t) }
}

// WithLoopLogger sets the loop's logger.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// WithLog replaces the session log (e.g. one reopened from disk).
func WithLog(log *sessionlog.Log) LoopOption {
	return func(l *Loop) { l.log = log }
}

// NewLoop creates a loop for a model client and execution environment.
// Interceptors are installed on the scheduler created here.
func NewLoop(client *llm.Client, env ExecutionEnvironment, cfg Config, interceptors []Interceptor, opts ...LoopOption) (*Loop, error) {
	l := &Loop{
		id:     uuid.New().String(),
		client: client,
		cfg:    cfg,
		env:    env,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.registry == nil {
		l.registry = NewToolRegistry()
		RegisterBuiltinTools(l.registry, cfg.DefaultShellTimeout, cfg.MaxShellTimeout)
	}
	if l.log == nil {
		if cfg.SessionPath != "" {
			log, err := sessionlog.Open(cfg.SessionPath)
			if err != nil {
				return nil, fmt.Errorf("open session log: %w", err)
			}
			l.log = log
		} else {
			l.log = sessionlog.New()
		}
	}

	l.emitter = NewEventEmitter(l.id, 256)

	l.compactor = compaction.NewEngine(cfg.Compaction, cfg.Model,
		compaction.WithSummarizer(&modelSummarizer{client: client, model: cfg.Model, provider: cfg.Provider}),
		compaction.WithLogger(l.logger))

	schedOpts := []SchedulerOption{
		WithInterjectionCheck(l.steeringPending),
		WithEmitter(l.emitter),
		WithSchedulerLogger(l.logger),
		WithTruncationLimits(cfg.ToolOutputLimits, cfg.ToolLineLimits),
	}
	for _, ic := range interceptors {
		schedOpts = append(schedOpts, WithInterceptor(ic))
	}
	l.scheduler = NewScheduler(l.registry, env, schedOpts...)

	l.emitter.Emit(EventSessionStart, map[string]interface{}{"model": cfg.Model})
	return l, nil
}

// ID returns the session identifier.
func (l *Loop) ID() string { return l.id }

// Log exposes the session log for read-only traversal by the host.
func (l *Loop) Log() *sessionlog.Log { return l.log }

// Registry returns the loop's tool registry.
func (l *Loop) Registry() *ToolRegistry { return l.registry }

// Events returns the event channel for the host application.
func (l *Loop) Events() <-chan LoopEvent { return l.emitter.Events() }

// Steer queues a message that interrupts the next scheduling checkpoint.
func (l *Loop) Steer(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steering = append(l.steering, message)
}

// FollowUp queues a message delivered once the current input reaches a
// natural idle point. Non-interrupting.
func (l *Loop) FollowUp(message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.followups = append(l.followups, message)
}

func (l *Loop) steeringPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.steering) > 0
}

// Rewind moves the tip to an earlier entry, recording a summary of the
// abandoned subtree first. The abandoned entries stay in the log.
func (l *Loop) Rewind(entryID int64, abandonedSummary string) error {
	tip := l.log.Tip()
	if abandonedSummary != "" && tip != 0 {
		e := sessionlog.NewBranchSummary(abandonedSummary, tip)
		if _, err := l.log.Append(e); err != nil {
			return err
		}
	}
	return l.log.SetTip(entryID)
}

// Close flushes and closes the log and the event stream.
func (l *Loop) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	err := l.log.Close()
	l.emitter.Emit(EventSessionEnd, nil)
	l.emitter.Close()
	return err
}

// Submit processes one user input through the loop until the model stops
// requesting tools. Fatal errors (persistence, model call failures during
// normal generation) are returned as error; everything else is reported in
// the RunResult.
func (l *Loop) Submit(ctx context.Context, userInput string) (RunResult, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return RunResult{}, fmt.Errorf("session is closed")
	}
	l.mu.Unlock()

	return l.processInput(ctx, userInput)
}

func (l *Loop) processInput(ctx context.Context, userInput string) (RunResult, error) {
	// The user message is persisted durably before any model call that
	// depends on it.
	if _, err := l.log.Append(sessionlog.NewUserMessage(userInput)); err != nil {
		return RunResult{}, fmt.Errorf("persist user message: %w", err)
	}
	l.emitter.Emit(EventUserInput, map[string]interface{}{"content": userInput})

	if err := l.drainSteering(); err != nil {
		return RunResult{}, err
	}

	var (
		rounds              int
		hadToolError        bool
		lastText            string
		retriedAfterCompact bool
	)

	for {
		if ctx.Err() != nil {
			return RunResult{Kind: OutcomeCancelled, LastText: lastText, Err: ctx.Err()}, nil
		}
		if rounds >= l.cfg.MaxToolRoundsPerInput {
			l.emitter.Emit(EventTurnLimit, map[string]interface{}{"rounds": rounds})
			break
		}

		view, err := l.effectiveView()
		if err != nil {
			return RunResult{}, err
		}

		// Compaction is consulted before every model call.
		if l.compactor.ShouldCompact(view.usedTokens(l.compactor.Estimator(), l.systemPrompt())) {
			if res := l.compact(ctx, view.entries()); res != nil {
				return *res, nil
			}
			view, err = l.effectiveView()
			if err != nil {
				return RunResult{}, err
			}
		}

		response, err := l.callModel(ctx, view)
		if err != nil {
			// A context overflow mid-session gets one forced compaction and
			// one retry; anything else surfaces to the caller.
			var ctxErr *llm.ContextLengthError
			if errors.As(err, &ctxErr) && !retriedAfterCompact {
				retriedAfterCompact = true
				if res := l.compact(ctx, view.entries()); res != nil {
					return *res, nil
				}
				continue
			}
			l.emitter.Emit(EventError, map[string]interface{}{"error": err.Error()})
			return RunResult{}, fmt.Errorf("model call: %w", err)
		}
		retriedAfterCompact = false

		toolCalls := response.ToolCalls()
		lastText = response.Text()
		if _, err := l.log.Append(sessionlog.NewAssistantMessage(lastText, toolCalls)); err != nil {
			return RunResult{}, fmt.Errorf("persist assistant message: %w", err)
		}
		l.emitter.Emit(EventAssistantText, map[string]interface{}{"text": lastText})

		if len(toolCalls) == 0 {
			break
		}
		rounds++

		results, interrupted := l.scheduler.Execute(ctx, toolCalls)
		for _, r := range results {
			if r.IsError {
				hadToolError = true
			}
		}
		// Results go in call order, never completion order.
		if _, err := l.log.Append(sessionlog.NewToolResults(results)); err != nil {
			return RunResult{}, fmt.Errorf("persist tool results: %w", err)
		}

		if interrupted && ctx.Err() != nil {
			return RunResult{Kind: OutcomeCancelled, LastText: lastText, Err: ctx.Err()}, nil
		}

		if err := l.drainSteering(); err != nil {
			return RunResult{}, err
		}
		if err := l.detectLoop(); err != nil {
			return RunResult{}, err
		}
	}

	// Buffered entries are flushed before the next user-facing prompt.
	if err := l.log.Flush(); err != nil {
		return RunResult{}, fmt.Errorf("flush session log: %w", err)
	}

	// Natural idle point: deliver one queued follow-up.
	l.mu.Lock()
	var next string
	if len(l.followups) > 0 {
		next = l.followups[0]
		l.followups = l.followups[1:]
	}
	l.mu.Unlock()
	if next != "" {
		l.emitter.Emit(EventFollowUpStarted, map[string]interface{}{"content": next})
		return l.processInput(ctx, next)
	}

	kind := OutcomeCompleted
	if hadToolError {
		kind = OutcomeToolError
	}
	return RunResult{Kind: kind, LastText: lastText}, nil
}

// compact runs one compaction cycle and appends the result. A non-nil return
// is the terminal outcome for the current input.
func (l *Loop) compact(ctx context.Context, effective []sessionlog.Entry) *RunResult {
	l.emitter.Emit(EventCompactionStart, map[string]interface{}{"state": string(l.compactor.State())})

	res, err := l.compactor.Compact(ctx, effective)
	if err != nil {
		l.logger.Error("compaction failed", "error", err)
		l.emitter.Emit(EventError, map[string]interface{}{"error": err.Error()})
		return &RunResult{Kind: OutcomeCompactionFailed, Err: err}
	}
	if _, err := l.log.Append(res.Entry); err != nil {
		return &RunResult{Kind: OutcomeCompactionFailed, Err: err}
	}

	l.emitter.Emit(EventCompactionApplied, map[string]interface{}{
		"strategy":      string(res.Strategy),
		"tokens_before": res.TokensBefore,
		"tokens_after":  res.TokensAfter,
	})
	return nil
}

// drainSteering appends queued steering messages to the log.
func (l *Loop) drainSteering() error {
	l.mu.Lock()
	pending := l.steering
	l.steering = nil
	l.mu.Unlock()

	for _, msg := range pending {
		if _, err := l.log.Append(sessionlog.NewUserMessage(msg)); err != nil {
			return fmt.Errorf("persist steering message: %w", err)
		}
		l.emitter.Emit(EventSteeringInjected, map[string]interface{}{"content": msg})
	}
	return nil
}

// detectLoop appends a warning when recent tool calls repeat.
func (l *Loop) detectLoop() error {
	if !l.cfg.EnableLoopDetection {
		return nil
	}
	branch, err := l.log.ActiveBranch()
	if err != nil {
		return err
	}
	if !DetectLoop(branch, l.cfg.LoopDetectionWindow) {
		return nil
	}
	warning := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern. Try a different approach.",
		l.cfg.LoopDetectionWindow)
	if _, err := l.log.Append(sessionlog.NewUserMessage(warning)); err != nil {
		return err
	}
	l.emitter.Emit(EventLoopDetection, map[string]interface{}{"message": warning})
	return nil
}

func (l *Loop) systemPrompt() string {
	return BuildSystemPrompt(l.env, l.cfg.Model, l.cfg.UserInstructions)
}

// callModel builds the request context and performs one model call.
func (l *Loop) callModel(ctx context.Context, view *branchView) (*llm.Response, error) {
	messages := []llm.Message{llm.SystemMessage(l.systemPrompt())}

	used := view.usedTokens(l.compactor.Estimator(), l.systemPrompt())
	if float64(used) >= disclosureThreshold*float64(l.cfg.Compaction.ContextWindow) {
		// Model-visible usage report; synthesized per call, never persisted.
		messages = append(messages, llm.SystemMessage(contextStatus(used, l.compactor.Budget(), view.lastCompaction)))
	}

	messages = append(messages, view.messages()...)

	// Each transform gets an independent copy so no step can mutate the
	// loop's authoritative context.
	for _, transform := range l.transforms {
		snapshot := make([]llm.Message, len(messages))
		copy(snapshot, messages)
		if out := transform(snapshot); out != nil {
			messages = out
		}
	}

	// Transient provider failures on a normal turn get a short retry budget.
	return llm.Retry(ctx, llm.DefaultRetryPolicy(), func(ctx context.Context) (*llm.Response, error) {
		return l.client.Complete(ctx, llm.Request{
			Model:      l.cfg.Model,
			Provider:   l.cfg.Provider,
			Messages:   messages,
			Tools:      l.registry.Definitions(),
			ToolChoice: &llm.ToolChoice{Mode: "auto"},
		})
	})
}
