// Package api exposes the HTTP surface of ToolMind: streaming submissions and
// guide prompts over server-sent events, task previews, asynchronous runs with
// replayable event logs, and per-user resources such as sessions, usage,
// model overrides and tool server registrations.
//
// The caller identity is taken from the X-User-ID header by internal/auth and
// passed explicitly to the agent as an llm.Caller.
package api
