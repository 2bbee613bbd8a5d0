// Package reqshield is an adaptive request-security core for HTTP services.
//
// The Engine composes four layers into a single per-request pipeline:
//
//   - ratelimit: fixed-window budgets with a cooldown for sources that
//     exhaust them, backed by a pluggable expiring store
//   - threat: stateless pattern detection over request content with a
//     severity-weighted catalog and anomaly heuristics
//   - zerotrust: per-request verification fusing identity, device, network,
//     behavior, and threat signals into a risk score
//   - monitor: a rolling event log with threshold alerts and notification
//     fan-out
//
// Use Engine.Handle for direct integration or Engine.Middleware to wrap an
// http.Handler. Each layer is also usable on its own.
package reqshield
