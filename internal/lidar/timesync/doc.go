// Package timesync maps the sensor's nanosecond counter onto an external
// PPS-disciplined reference clock.
//
// A Translator holds the current mapping. A Coordinator decides, once per
// completed scan, whether to run a handshake with a TimeAuthority and
// re-anchor the Translator. Neither type is safe for concurrent use; the
// pipeline serialises all calls.
package timesync
