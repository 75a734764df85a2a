// Package sqlite is the diagnostics journal: one row per driver run, one per
// PPS handshake outcome, and one per completed rotation.
//
// The journal is write-mostly. Recorder buffers rows off the packet path and
// writes them in batches; the monitor reads them back for charts and exposes
// the database through tailsql.
package sqlite
