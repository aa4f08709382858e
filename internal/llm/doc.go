// Package llm resolves chat models per caller and role, wraps them with usage
// metering and offers small helpers around the langchaingo message types used
// by the agent runtime.
package llm
