// Package config loads the YAML configuration of the ToolMind daemon and
// fills in defaults for every section that the operator leaves out.
package config
