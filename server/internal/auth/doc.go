// Package auth provides authentication middleware for the collector's read
// side (REST API and WebSocket stream).
//
// APIKey(mode, header, key, next) wraps an http.Handler and validates the API
// key from the named request header. When mode != "apikey" or key == "", next
// is returned unchanged (useful for local development with auth disabled).
// Upload authentication is basic auth and lives in the collector handler.
package auth
