// Package fusion turns per-access-point clusters of RSSI observations into
// scored position estimates.
//
// Responsibilities: window aggregation and dedup, LEFT/RIGHT side
// resolution, RSSI ranging and weighted multilateration, and confidence
// scoring. Key types: Observation, Window, DirectionalResult, Estimate.
//
// Every function here is pure. Persistence and the commit gate live in
// internal/apstore; no SQL or I/O is allowed in this package.
package fusion
