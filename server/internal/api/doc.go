// Package api implements the read-only HTTP REST API of the collector.
//
// New(store) returns an http.Handler that serves:
//
//	GET /api/v1/health                      state, installation and record counts
//	GET /api/v1/installations               all live installations
//	GET /api/v1/installations/{fingerprint} one installation with its recent records; 404 if unknown or stale
//	GET /api/v1/snapshot                    all live installations plus generated_at
//
// All endpoints respond with Content-Type: application/json and return 405
// for non-GET methods. Records are encoded with their original key order.
package api
