package security

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Status classifies the collector certificate.
type Status string

const (
	Valid       Status = "valid"
	Expiring    Status = "expiring"
	Expired     Status = "expired"
	Unreachable Status = "unreachable"
)

// ExpiringWithin is the window in which a valid certificate is reported as
// Expiring.
const ExpiringWithin = 30 * 24 * time.Hour

// CertStatus describes the collector's leaf TLS certificate.
type CertStatus struct {
	Endpoint string
	Status   Status
	Subject  string
	Issuer   string
	NotAfter time.Time
	DaysLeft int
	Err      error
}

// Check opens a TLS session to the collector with the same settings uploads
// use and reports on the leaf certificate. It returns nil for plain http
// endpoints. A handshake that fails verification is Unreachable with Err set.
func Check(ctx context.Context, endpoint string, tlsCfg *tls.Config, timeout time.Duration) *CertStatus {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "https" {
		return nil
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "443")
	}

	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}
	if tlsCfg.ServerName == "" {
		tlsCfg = tlsCfg.Clone()
		tlsCfg.ServerName = u.Hostname()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := tls.Dialer{Config: tlsCfg}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &CertStatus{Endpoint: endpoint, Status: Unreachable, Err: err}
	}
	defer nc.Close()

	peers := nc.(*tls.Conn).ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return &CertStatus{
			Endpoint: endpoint,
			Status:   Unreachable,
			Err:      fmt.Errorf("security: %s presented no certificate", addr),
		}
	}
	cs := classify(peers[0], time.Now())
	cs.Endpoint = endpoint
	return &cs
}

func classify(leaf *x509.Certificate, now time.Time) CertStatus {
	left := leaf.NotAfter.Sub(now)
	cs := CertStatus{
		Subject:  leaf.Subject.CommonName,
		Issuer:   leaf.Issuer.CommonName,
		NotAfter: leaf.NotAfter.UTC(),
		DaysLeft: int(left / (24 * time.Hour)),
	}
	switch {
	case left <= 0:
		cs.Status = Expired
		if left%(24*time.Hour) != 0 {
			cs.DaysLeft-- // round towards the past
		}
	case left <= ExpiringWithin:
		cs.Status = Expiring
	default:
		cs.Status = Valid
	}
	return cs
}
