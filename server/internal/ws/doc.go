// Package ws streams the collector's installation list to WebSocket viewers
// at /ws/stream.
//
// Every viewer gets the current snapshot on connect, then one "snapshot"
// event per interval and an "upload" event after accepted uploads:
//
//	{"event": "upload", "fingerprints": ["..."], "data": {...GET /api/v1/snapshot...}}
//
// Hub.Notify(fingerprint) is called by the receiver once an upload is
// stored. Viewers that fall behind by more than a small outbox are dropped.
package ws
