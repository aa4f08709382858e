// Package plan turns a model generated task decomposition into a validated
// dependency graph of steps and derives an execution order from it.
package plan
