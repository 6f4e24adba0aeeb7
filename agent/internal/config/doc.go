// Package config loads the agent configuration file (config.yaml) and the
// collector endpoint file (endpoint.json).
//
// Top-level types:
//   - Config{Agent}: full config tree parsed from YAML
//   - AgentConfig: data_dir, endpoint_file, fingerprint_file, storage_file,
//     uri_context, form_param_name, request_timeout, compression,
//     flush_interval, metrics_file, auth, tls
//   - AuthConfig: mode (basic|mtls|none), username, password_env and
//     cert/key/ca files; Password() resolves from the environment
//   - Endpoint: the collector URL, read once
//
// Load(path) reads the YAML file, applies defaults (uri_context "metrics",
// form_param_name "data", 10s request timeout, 5m flush interval, files under
// $XDG_DATA_HOME/emitter), then validates enums and required fields.
// Relative file paths are resolved against data_dir.
//
// LoadEndpoint(path) parses {"endpoint": "..."} with comments allowed
// (tidwall/jsonc). Any failure wraps ErrEndpoint.
//
// Watch(ctx, paths, onChange) uses fsnotify to report edits so the agent can
// log that a restart is needed to pick them up.
package config
