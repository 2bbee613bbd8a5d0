// Package storage defines the expiring key-value store contract shared by the
// rate limiter and session bookkeeping.
//
// Two implementations ship with this module:
//
//   - storage/memory: an in-process map with a janitor goroutine, suitable for
//     development, testing, and single-instance deployments.
//   - storage/valkey: a Valkey/Redis-backed store for multi-process
//     deployments, using server-side TTLs and a compare-and-swap script for
//     atomic updates.
//
// Any backend satisfying the Store interface can be swapped in; the rest of
// the module only depends on the narrow Get/Set/Delete/Update contract.
package storage
