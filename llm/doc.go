// Package llm provides a provider-agnostic blocking client for language
// model completions.
//
// The package defines the wire-level conversation types (Message,
// ContentPart, ToolCall, ToolResult), a typed error taxonomy with a
// retryability classifier, an exponential-backoff retry helper, and a Client
// that routes requests to registered ProviderAdapter backends. A
// gollm-backed adapter is included for OpenAI- and Anthropic-compatible
// providers.
//
// The agent runtime consumes only Client.Complete; streaming transports are
// out of scope for this module.
package llm
