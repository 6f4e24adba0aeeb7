package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

// ErrEndpoint is wrapped by every LoadEndpoint failure. A bad endpoint file
// stops the agent from starting.
var ErrEndpoint = errors.New("invalid endpoint configuration")

// Endpoint is the collector address, read once from the endpoint file and
// never re-read afterwards.
type Endpoint struct {
	URL *url.URL
}

// String returns the endpoint without a trailing slash.
func (e Endpoint) String() string {
	return strings.TrimRight(e.URL.String(), "/")
}

// endpointFile is the on-disk layout: {"endpoint": "http://localhost:3000"}.
// Comments and trailing commas are accepted.
type endpointFile struct {
	Endpoint string `json:"endpoint"`
}

// LoadEndpoint reads the endpoint file at path.
func LoadEndpoint(path string) (Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Endpoint{}, fmt.Errorf("config: read endpoint file: %w: %w", ErrEndpoint, err)
	}

	var f endpointFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		return Endpoint{}, fmt.Errorf("config: parse endpoint file %q: %w: %w", path, ErrEndpoint, err)
	}
	if f.Endpoint == "" {
		return Endpoint{}, fmt.Errorf("config: endpoint file %q: missing \"endpoint\": %w", path, ErrEndpoint)
	}

	u, err := url.Parse(f.Endpoint)
	if err != nil {
		return Endpoint{}, fmt.Errorf("config: endpoint %q: %w: %w", f.Endpoint, ErrEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("config: endpoint %q: scheme must be http or https: %w", f.Endpoint, ErrEndpoint)
	}
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("config: endpoint %q: missing host: %w", f.Endpoint, ErrEndpoint)
	}
	return Endpoint{URL: u}, nil
}
