// Package ingest turns probe output into fusion observations. Probes stream
// newline-delimited JSON frames over serial; a capture service may instead
// publish rolling snapshots to a file. Both paths attach the receiver's GPS
// position to each observation.
package ingest
