// Package identity produces the per-installation fingerprint and the machine
// id attached to every uploaded record.
//
// The fingerprint is a random UUID persisted to the fingerprint file on first
// use and reused by later processes. The machine id is a 48-bit integer taken
// from a hardware address (eth0 preferred), or a random value with the
// multicast bit set when no address is available.
package identity
