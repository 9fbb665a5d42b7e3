// Package agentloop drives an autonomous coding agent: it alternates
// between model calls and tool execution, persists every step to a
// branchable session log, and keeps the conversation within the model's
// context window through compaction.
//
// # Architecture
//
//   - Loop: the orchestrator. Consults the compaction engine before every
//     model call, runs each turn's tool calls through the Scheduler, and
//     appends everything to the session log.
//   - Scheduler: executes one turn's tool calls under the concurrency
//     policy. Calls to concurrency-safe tools fan out in parallel runs;
//     everything else serializes. Results always come back in call order.
//   - ToolRegistry: named tool descriptors with JSON Schema argument
//     validation and a per-tool concurrency-safety flag.
//   - ExecutionEnvironment: where tools actually run (local by default).
//   - EventEmitter: typed event stream for host application integration.
//
// # Quick Start
//
//	client := llm.NewClientFromEnv()
//	env := agentloop.NewLocalEnvironment("/path/to/project")
//	cfg := agentloop.DefaultConfig("claude-opus-4-6")
//	cfg.SessionPath = "session.jsonl"
//
//	loop, err := agentloop.NewLoop(client, env, cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	result, err := loop.Submit(ctx, "Create a hello.py file")
package agentloop
