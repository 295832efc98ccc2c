// Package metrics tracks per-session traffic and lifecycle counters over a rolling window,
// derives an aggregated health score, and exports both as Prometheus metrics.
//
// Collector implements session.Observer; it is fed by the session manager and never blocks
// the caller for longer than a map update.
package metrics
