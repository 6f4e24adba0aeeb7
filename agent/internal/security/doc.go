// Package security inspects the collector's TLS certificate at agent start-up.
//
// Check dials with the connection's TLS settings (skip-verify, client
// certificate, CA pool) and reports valid, expiring (within 30 days),
// expired or unreachable. The result is only logged; it never stops uploads.
package security
