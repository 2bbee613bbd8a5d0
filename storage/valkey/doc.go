// Package valkey provides a Valkey/Redis-backed implementation of the
// storage.Store interface for multi-process deployments.
//
// Record TTLs are enforced server-side (SET PX), so a record never outlives
// its window even if the process that wrote it dies. Update is implemented as
// an optimistic read/compare-and-swap cycle backed by a Lua script, which
// keeps the rate limiter's check-and-increment exact across processes.
package valkey
