// Package config loads the collector configuration from the `server:` section
// of config.yaml (the `agent:` key is ignored by the collector binary).
//
// Config fields:
//   - HTTPPort             port for uploads, REST API and WebSocket stream (default 3000)
//   - URIContext           upload path (default "metrics")
//   - FormParamName        member each upload is wrapped in (default "data")
//   - Behavior             accept | reject | sometimes (default accept)
//   - Auth                 basic auth on uploads; password read from PasswordEnv
//   - APIAuth              API key on /api/ and /ws/stream; key read from KeyEnv
//   - Retention.TTL        how long an installation stays listed (default 24h)
//   - Retention.MaxRecords recent records kept per installation (default 100)
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
