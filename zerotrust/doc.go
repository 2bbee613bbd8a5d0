// Package zerotrust re-evaluates trust on every request instead of relying
// on a one-time login check. Five independent signals (identity, device,
// network, behavior, and threat analysis) each contribute a weighted
// penalty to a fused risk score, and the fusion rule (risk under 70 with
// fewer than three failed checks) decides whether the request proceeds.
// Allowed requests receive an opaque session token binding the device
// fingerprint, issue time, and a fresh session identifier.
package zerotrust
