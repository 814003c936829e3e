// Package stores provides the run journal: a SQLite database recording every
// workflow run, the state transitions of its entities, the service executions
// and the results they published. A Recorder fills the journal from telemetry
// events, so the executor never writes to it directly.
package stores
