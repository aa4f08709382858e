// Package sqlstore provides the SQL-backed repositories used by the server:
// workspace sessions, per-user model overrides, registered tool servers with
// their per-user settings, and token usage. MySQL is the production driver;
// the pure-Go SQLite driver serves single-node deployments and tests. Schema
// changes ship as embedded migrations under deploy/migrations.
package sqlstore
