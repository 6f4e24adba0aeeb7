package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the collector configuration.
const (
	DefaultHTTPPort      = 3000
	DefaultURIContext    = "metrics"
	DefaultFormParamName = "data"
	DefaultBehavior      = "accept"
	DefaultRetentionTTL  = 24 * time.Hour
	DefaultMaxRecords    = 100
)

// Config holds the collector configuration parsed from the `server:` section
// of config.yaml. The `agent:` key in the same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all collector settings.
type ServerConfig struct {
	// HTTPPort is the port uploads, the REST API and the WebSocket stream
	// share (default 3000).
	HTTPPort int `yaml:"http_port"`

	// URIContext is the upload path, without the leading slash.
	URIContext string `yaml:"uri_context"`

	// FormParamName is the member agents wrap each record in.
	FormParamName string `yaml:"form_param_name"`

	// Behavior is one of: accept | reject | sometimes.
	Behavior string `yaml:"behavior"`

	// Auth guards the upload path.
	Auth AuthConfig `yaml:"auth"`

	// APIAuth guards /api/ and /ws/stream.
	APIAuth APIAuthConfig `yaml:"api_auth"`

	// Retention controls how long installations stay in memory.
	Retention RetentionConfig `yaml:"retention"`
}

// AuthConfig controls HTTP basic auth on uploads.
type AuthConfig struct {
	// Mode is one of: basic | none.
	Mode string `yaml:"mode"`

	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Password returns the expected password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// APIAuthConfig controls API key authentication on the read side.
type APIAuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from. Defaults to "X-Api-Key".
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a APIAuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "X-Api-Key".
func (a APIAuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "X-Api-Key"
}

// RetentionConfig bounds the in-memory installation store.
type RetentionConfig struct {
	// TTL is how long an installation stays listed after its last upload.
	TTL time.Duration `yaml:"ttl"`

	// MaxRecords is how many recent records are kept per installation.
	MaxRecords int `yaml:"max_records"`
}

// Load reads and parses the config file at path, returning the collector configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:      DefaultHTTPPort,
			URIContext:    DefaultURIContext,
			FormParamName: DefaultFormParamName,
			Behavior:      DefaultBehavior,
			Retention: RetentionConfig{
				TTL:        DefaultRetentionTTL,
				MaxRecords: DefaultMaxRecords,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := cfg.Server
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	if s.FormParamName == "" {
		return fmt.Errorf("server.form_param_name must not be empty")
	}
	switch s.Behavior {
	case "accept", "reject", "sometimes":
	default:
		return fmt.Errorf("server.behavior %q unknown: want accept|reject|sometimes", s.Behavior)
	}
	switch s.Auth.Mode {
	case "basic":
		if s.Auth.Username == "" {
			return fmt.Errorf("server.auth: basic mode requires username")
		}
	case "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want basic|none", s.Auth.Mode)
	}
	switch s.APIAuth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.api_auth.mode %q unknown: want apikey|none", s.APIAuth.Mode)
	}
	if s.Retention.TTL < 0 {
		return fmt.Errorf("server.retention.ttl must not be negative")
	}
	if s.Retention.MaxRecords < 0 {
		return fmt.Errorf("server.retention.max_records must not be negative")
	}
	return nil
}
