// Package tool keeps the tools a submission may call: built-in tools such as
// web search and tools exposed by MCP servers, addressed by name from a single
// registry.
package tool
