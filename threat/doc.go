// Package threat scores inbound requests against a catalog of known attack
// signatures plus behavioral anomaly heuristics.
//
// The catalog is data, not code: signatures load from a JSON file (or the
// built-in set) and can be hot-reloaded through a file watcher without
// touching scoring logic. Pattern scoring is stateless and lock-free so it
// can run on the request hot path; the only history the heuristics consume
// is handed in by the caller via Signals.
package threat
