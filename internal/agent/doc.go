// Package agent runs the plan-execute-evaluate loop behind every submission.
// A query is decomposed into a dependency graph of steps, each step is executed
// with a tool-bound model, the conversation model synthesizes an answer and a
// reasoning model scores it. Low scores trigger a full replan, bounded by the
// configured attempt limit. Progress is delivered as an ordered event stream.
package agent
