package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultURIContext     = "metrics"
	DefaultFormParamName  = "data"
	DefaultRequestTimeout = 10 * time.Second
	DefaultFlushInterval  = 5 * time.Minute
	DefaultStorageFile    = "queue.json"
	DefaultEndpointFile   = "endpoint.json"
	DefaultFingerprint    = "fingerprint"
)

// Config is the top-level agent configuration.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// DataDir is the base directory for relative file paths below.
	// Defaults to $XDG_DATA_HOME/emitter.
	DataDir string `yaml:"data_dir"`

	// EndpointFile is a JSON file of the form {"endpoint": "https://host"}.
	// It is read once when the connection is built.
	EndpointFile string `yaml:"endpoint_file"`

	// FingerprintFile holds this installation's fingerprint. Created if absent.
	FingerprintFile string `yaml:"fingerprint_file"`

	// StorageFile is the durable queue for records that could not be delivered.
	StorageFile string `yaml:"storage_file"`

	// URIContext is the path under the endpoint that records are posted to.
	URIContext string `yaml:"uri_context"`

	// FormParamName is the top-level member the record is wrapped in.
	FormParamName string `yaml:"form_param_name"`

	// RequestTimeout bounds one upload attempt.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Compression is one of: none | gzip.
	Compression string `yaml:"compression"`

	// FlushInterval controls how often the uploader drains the queue.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MetricsFile, when set, receives sender counters in Prometheus text
	// format after each run (node_exporter textfile collector layout).
	MetricsFile string `yaml:"metrics_file"`

	// Auth configures how the agent authenticates to the collector.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// AuthConfig specifies the authentication mode for the collector.
type AuthConfig struct {
	// Mode is one of: basic | mtls | none.
	Mode string `yaml:"mode"`

	// Basic auth fields, used when Mode == "basic".
	// Username is the literal username (safe to store in config).
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds TLS dial options for the collector connection.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// EndpointPath returns EndpointFile resolved against DataDir.
func (a AgentConfig) EndpointPath() string { return a.resolve(a.EndpointFile) }

// FingerprintPath returns FingerprintFile resolved against DataDir.
func (a AgentConfig) FingerprintPath() string { return a.resolve(a.FingerprintFile) }

// StoragePath returns StorageFile resolved against DataDir.
func (a AgentConfig) StoragePath() string { return a.resolve(a.StorageFile) }

func (a AgentConfig) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.DataDir, p)
}

// DefaultDataDir returns $XDG_DATA_HOME/emitter, falling back to
// ~/.local/share/emitter.
func DefaultDataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "emitter")
}

// Defaults returns an AgentConfig pre-populated with default values.
func Defaults() AgentConfig {
	return AgentConfig{
		DataDir:         DefaultDataDir(),
		EndpointFile:    DefaultEndpointFile,
		FingerprintFile: DefaultFingerprint,
		StorageFile:     DefaultStorageFile,
		URIContext:      DefaultURIContext,
		FormParamName:   DefaultFormParamName,
		RequestTimeout:  DefaultRequestTimeout,
		Compression:     "none",
		FlushInterval:   DefaultFlushInterval,
		Auth:            AuthConfig{Mode: "none"},
	}
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := &Config{Agent: Defaults()}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := Validate(cfg.Agent); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks required fields and structural constraints.
func Validate(a AgentConfig) error {
	if a.DataDir == "" {
		return fmt.Errorf("agent.data_dir is required")
	}
	if a.EndpointFile == "" {
		return fmt.Errorf("agent.endpoint_file is required")
	}
	if a.StorageFile == "" {
		return fmt.Errorf("agent.storage_file is required")
	}
	if a.FingerprintFile == "" {
		return fmt.Errorf("agent.fingerprint_file is required")
	}
	if a.FormParamName == "" {
		return fmt.Errorf("agent.form_param_name must not be empty")
	}
	if a.RequestTimeout <= 0 {
		return fmt.Errorf("agent.request_timeout must be positive")
	}
	if a.FlushInterval <= 0 {
		return fmt.Errorf("agent.flush_interval must be positive")
	}
	switch a.Compression {
	case "none", "gzip", "":
	default:
		return fmt.Errorf("agent.compression: unknown value %q", a.Compression)
	}
	switch a.Auth.Mode {
	case "basic":
		if a.Auth.Username == "" {
			return fmt.Errorf("agent.auth: basic mode requires username")
		}
	case "mtls":
		if a.Auth.CertFile == "" || a.Auth.KeyFile == "" {
			return fmt.Errorf("agent.auth: mtls mode requires cert_file and key_file")
		}
	case "none", "":
	default:
		return fmt.Errorf("agent.auth: unknown mode %q", a.Auth.Mode)
	}
	return nil
}
