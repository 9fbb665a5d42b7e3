package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/treeline-ai/treeline/llm"
)

// Interceptor can block a tool call before it executes. Intercept returns a
// non-nil result to short-circuit the call; the first blocking interceptor
// wins. Higher priority runs first.
type Interceptor struct {
	Name      string
	Priority  int
	Intercept func(call llm.ToolCall) *llm.ToolResult
}

// InterjectionCheck reports whether pending external input should interrupt
// scheduling. It is consulted exactly once after each run, never per call.
type InterjectionCheck func() bool

// Scheduler executes the tool calls of one model turn under the concurrency
// policy: calls to concurrency-safe tools run in parallel within a run,
// everything else serializes, and results come back in call order.
type Scheduler struct {
	registry     *ToolRegistry
	env          ExecutionEnvironment
	interjection InterjectionCheck
	interceptors []Interceptor
	emitter      *EventEmitter
	logger       *slog.Logger
	toolTimeout  time.Duration
	charLimits   map[string]int
	lineLimits   map[string]int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterjectionCheck installs the inter-run interruption condition.
func WithInterjectionCheck(check InterjectionCheck) SchedulerOption {
	return func(s *Scheduler) { s.interjection = check }
}

// WithInterceptor adds a tool-call interceptor. Interceptors run in
// descending priority order for every call.
func WithInterceptor(ic Interceptor) SchedulerOption {
	return func(s *Scheduler) { s.interceptors = append(s.interceptors, ic) }
}

// WithEmitter routes scheduler events to an emitter.
func WithEmitter(e *EventEmitter) SchedulerOption {
	return func(s *Scheduler) { s.emitter = e }
}

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithDefaultToolTimeout bounds tools that don't declare their own timeout.
// Zero means no default bound.
func WithDefaultToolTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.toolTimeout = d }
}

// WithTruncationLimits overrides the per-tool output limits.
func WithTruncationLimits(charLimits, lineLimits map[string]int) SchedulerOption {
	return func(s *Scheduler) {
		s.charLimits = charLimits
		s.lineLimits = lineLimits
	}
}

// NewScheduler creates a scheduler over a registry and execution environment.
func NewScheduler(registry *ToolRegistry, env ExecutionEnvironment, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{registry: registry, env: env}
	for _, opt := range opts {
		opt(s)
	}
	sort.SliceStable(s.interceptors, func(i, j int) bool {
		return s.interceptors[i].Priority > s.interceptors[j].Priority
	})
	return s
}

// run is one scheduling unit: indices into the call batch that may execute
// concurrently. Unsafe calls always form singleton runs.
type run struct {
	indices []int
	safe    bool
}

// planRuns partitions the batch into maximal runs of concurrency-safe calls.
// Unknown tools are treated as unsafe.
func (s *Scheduler) planRuns(calls []llm.ToolCall) []run {
	var runs []run
	var current []int

	flush := func() {
		if len(current) > 0 {
			runs = append(runs, run{indices: current, safe: true})
			current = nil
		}
	}

	for i, call := range calls {
		tool, ok := s.registry.Get(call.Name)
		if ok && tool.ConcurrencySafe {
			current = append(current, i)
			continue
		}
		flush()
		runs = append(runs, run{indices: []int{i}})
	}
	flush()
	return runs
}

// Execute runs one turn's tool calls. Results are index-aligned to calls
// regardless of completion order. interrupted reports whether scheduling
// stopped early, either from the interjection check firing between runs or
// from ctx cancellation; in both cases every unstarted call carries an error
// result rather than a hole.
//
// Tool-level failures never abort the batch: a failing call yields an error
// result and later runs still execute.
func (s *Scheduler) Execute(ctx context.Context, calls []llm.ToolCall) (results []llm.ToolResult, interrupted bool) {
	results = make([]llm.ToolResult, len(calls))
	if len(calls) == 0 {
		return results, false
	}

	runs := s.planRuns(calls)
	nextRun := 0

	for ; nextRun < len(runs); nextRun++ {
		if ctx.Err() != nil {
			interrupted = true
			break
		}

		r := runs[nextRun]
		if s.emitter != nil {
			s.emitter.Emit(EventToolRunStart, map[string]interface{}{
				"run":      nextRun,
				"calls":    len(r.indices),
				"parallel": r.safe && len(r.indices) > 1,
			})
		}

		if len(r.indices) == 1 {
			i := r.indices[0]
			results[i] = s.executeCall(ctx, calls[i])
		} else {
			var wg sync.WaitGroup
			for _, i := range r.indices {
				wg.Add(1)
				go func(idx int) {
					defer wg.Done()
					results[idx] = s.executeCall(ctx, calls[idx])
				}(i)
			}
			// Barrier: the next run must observe fully-resolved state from
			// every call in this one.
			wg.Wait()
		}

		// One interjection check per run, not per call.
		if s.interjection != nil && s.interjection() && nextRun+1 < len(runs) {
			nextRun++
			interrupted = true
			break
		}
	}

	// Fill error results for calls in runs that never started.
	for ; nextRun < len(runs); nextRun++ {
		for _, i := range runs[nextRun].indices {
			results[i] = llm.ToolResult{
				ToolCallID: calls[i].ID,
				Content:    "cancelled before execution",
				IsError:    true,
			}
		}
	}

	return results, interrupted
}

// executeCall runs one tool call through the full pipeline:
// intercept -> lookup -> validate -> execute -> truncate.
func (s *Scheduler) executeCall(ctx context.Context, call llm.ToolCall) llm.ToolResult {
	for _, ic := range s.interceptors {
		if blocked := ic.Intercept(call); blocked != nil {
			blocked.ToolCallID = call.ID
			if s.logger != nil {
				s.logger.Debug("tool call intercepted", "tool", call.Name, "interceptor", ic.Name)
			}
			return *blocked
		}
	}

	if s.emitter != nil {
		s.emitter.Emit(EventToolCallStart, map[string]interface{}{
			"tool_name": call.Name,
			"call_id":   call.ID,
		})
	}

	tool, ok := s.registry.Get(call.Name)
	if !ok {
		return s.errorResult(call, fmt.Sprintf("unknown tool: %s", call.Name))
	}

	if err := s.registry.ValidateArguments(call.Name, call.Arguments); err != nil {
		return s.errorResult(call, err.Error())
	}

	callCtx := ctx
	timeout := tool.Timeout
	if timeout == 0 {
		timeout = s.toolTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var progress ProgressFunc
	if s.emitter != nil {
		progress = func(chunk string) {
			s.emitter.Emit(EventToolCallOutputDelta, map[string]interface{}{
				"call_id": call.ID,
				"chunk":   chunk,
			})
		}
	}

	output, err := tool.Execute(callCtx, call.Arguments, s.env, progress)
	if err != nil {
		msg := fmt.Sprintf("tool error (%s): %v", call.Name, err)
		if callCtx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("tool %s timed out after %s", call.Name, timeout)
		}
		return s.errorResult(call, msg)
	}

	truncated := TruncateToolOutput(output, call.Name, s.charLimits, s.lineLimits)

	if s.emitter != nil {
		// The event stream carries the full output; only the model-facing
		// result is truncated.
		s.emitter.Emit(EventToolCallEnd, map[string]interface{}{
			"call_id": call.ID,
			"output":  output,
		})
	}

	return llm.ToolResult{ToolCallID: call.ID, Content: truncated}
}

func (s *Scheduler) errorResult(call llm.ToolCall, msg string) llm.ToolResult {
	if s.logger != nil {
		s.logger.Warn("tool call failed", "tool", call.Name, "error", msg)
	}
	if s.emitter != nil {
		s.emitter.Emit(EventToolCallEnd, map[string]interface{}{
			"call_id": call.ID,
			"error":   msg,
		})
	}
	return llm.ToolResult{ToolCallID: call.ID, Content: msg, IsError: true}
}
