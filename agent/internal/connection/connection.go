package connection

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/obsidianstack/emitter/agent/internal/config"
	"github.com/obsidianstack/emitter/pkg/types"
)

// Connection posts records to the collector. The endpoint is resolved once in
// New; after that a Connection holds only immutable state and is safe for
// concurrent use.
type Connection struct {
	endpoint    config.Endpoint
	uri         string
	formParam   string
	compression string
	tlsConfig   *tls.Config
	client      *http.Client
}

// New resolves the endpoint file named by cfg and builds the HTTP client.
// A missing or invalid endpoint file is returned as an error wrapping
// config.ErrEndpoint.
func New(cfg config.AgentConfig) (*Connection, error) {
	ep, err := config.LoadEndpoint(cfg.EndpointPath())
	if err != nil {
		return nil, err
	}
	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("connection: build tls config: %w", err)
	}
	client := buildHTTPClient(cfg, tlsCfg)

	formParam := cfg.FormParamName
	if formParam == "" {
		formParam = config.DefaultFormParamName
	}

	c := &Connection{
		endpoint:    ep,
		uri:         ep.String() + "/" + strings.TrimLeft(cfg.URIContext, "/"),
		formParam:   formParam,
		compression: cfg.Compression,
		tlsConfig:   tlsCfg,
		client:      client,
	}
	slog.Debug("connection: using endpoint for metrics collection", "uri", c.uri)
	return c, nil
}

// Endpoint returns the collector base address.
func (c *Connection) Endpoint() string { return c.endpoint.String() }

// URI returns the full address records are posted to.
func (c *Connection) URI() string { return c.uri }

// TLSConfig returns a copy of the TLS settings uploads use.
func (c *Connection) TLSConfig() *tls.Config { return c.tlsConfig.Clone() }

// PostForm uploads record with id attached and classifies the result.
// HTTP 200 is Delivered; any other status, a transport error or a cancelled
// ctx is Rejected. PostForm never fails: the reason for a rejection is
// carried in the returned Delivery.
func (c *Connection) PostForm(ctx context.Context, record types.Record, id types.Identity) types.Delivery {
	body, err := c.encode(record, id)
	if err != nil {
		return types.Delivery{Outcome: types.Rejected, Reason: fmt.Errorf("encode: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uri, bytes.NewReader(body))
	if err != nil {
		return types.Delivery{Outcome: types.Rejected, Reason: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if c.compression == "gzip" {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return types.Delivery{Outcome: types.Rejected, Reason: fmt.Errorf("http post %s: %w", c.uri, err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return types.Delivery{
			Outcome:    types.Rejected,
			StatusCode: resp.StatusCode,
			Reason:     fmt.Errorf("collector at %s returned HTTP %d", c.uri, resp.StatusCode),
		}
	}
	return types.Delivery{Outcome: types.Delivered, StatusCode: resp.StatusCode}
}

// encode builds {"<form param>": {...record, "fingerprint": ..., "machine": ...}}.
// The caller's record is not modified.
func (c *Connection) encode(record types.Record, id types.Identity) ([]byte, error) {
	data := record.
		With("fingerprint", id.Fingerprint).
		With("machine", id.Machine)
	body, err := types.NewRecord(types.Field{Key: c.formParam, Value: data}).MarshalJSON()
	if err != nil {
		return nil, err
	}

	if c.compression != "gzip" {
		return body, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.auth.Mode == "basic" {
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// buildTLSConfig applies the skip-verify flag and, for mtls, the client
// certificate and CA pool.
func buildTLSConfig(cfg config.AgentConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	if cfg.Auth.Mode != "mtls" {
		return tlsCfg, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.Auth.CertFile, cfg.Auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	tlsCfg.Certificates = []tls.Certificate{cert}

	if cfg.Auth.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.Auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs found in ca file %q", cfg.Auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// buildHTTPClient wraps a transport using tlsCfg with the auth round tripper.
func buildHTTPClient(cfg config.AgentConfig, tlsCfg *tls.Config) *http.Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = config.DefaultRequestTimeout
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: tlsCfg,
			},
			auth: cfg.Auth,
		},
		Timeout: timeout,
	}
}
