// Package compaction keeps a session's active branch within the model's
// context window by replacing an aged prefix of the conversation with a
// summary entry.
//
// Each compaction cycle runs a small state machine: once the trigger
// condition fires, the engine selects a contiguous prefix of the branch
// (keeping a recent suffix verbatim by token budget), asks the model for a
// summary that folds in any previous compaction, and falls back to a
// deterministic rule-based summary when the model is unavailable. File
// operations observed in the compacted window are tracked directly from tool
// calls, independent of what the generated summary mentions.
package compaction
