// Package store keeps what the collector has accepted, per installation
// fingerprint, in memory with TTL eviction and a bounded list of recent
// records.
package store
