package api

import "github.com/obsidianstack/emitter/pkg/types"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	// State is "ok" when at least one installation is live, "idle" otherwise.
	State             string `json:"state"`
	InstallationCount int    `json:"installation_count"`
	RecordCount       int    `json:"record_count"`
	LastUpload        string `json:"last_upload,omitempty"` // RFC3339
}

// InstallationResponse is one entry in GET /api/v1/installations.
type InstallationResponse struct {
	Fingerprint string `json:"fingerprint"`
	Machine     int64  `json:"machine"`
	HardwareID  string `json:"hardware_id"` // machine as a colon-separated MAC
	Received    int    `json:"received"`
	FirstSeen   string `json:"first_seen"` // RFC3339
	LastSeen    string `json:"last_seen"`  // RFC3339
}

// InstallationDetail is the payload for GET /api/v1/installations/{fingerprint}.
type InstallationDetail struct {
	InstallationResponse
	Recent []types.Record `json:"recent"`
}

// SnapshotResponse is the payload for GET /api/v1/snapshot and the WebSocket
// stream.
type SnapshotResponse struct {
	Installations []InstallationResponse `json:"installations"`
	GeneratedAt   string                 `json:"generated_at"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
