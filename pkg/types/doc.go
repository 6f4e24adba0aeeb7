// Package types defines the shared Go types used by both the agent and the
// collector: the ordered Record payload, the per-session Identity attached to
// every upload, and the Delivery classification of one upload attempt.
//
// Records encode to compact JSON with keys in insertion order. The same
// encoding is used on the wire and in the agent's durable queue file.
package types
