// SPDX-FileCopyrightText: Copyright 2026 The AuthGate Authors
// SPDX-License-Identifier: Apache-2.0

// Package networking builds the outbound HTTP clients used for client JWKS
// retrieval, request_uri dereferencing, and logout/CIBA notification
// delivery. All egress is SSRF-safe by default: loopback, link-local and
// RFC 1918 destinations are rejected at dial time unless the operator opts
// in.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"syscall"
	"time"
)

var privateIPBlocks []*net.IPNet

// HTTPTimeout is the default deadline for outgoing HTTP requests.
const HTTPTimeout = 10 * time.Second

// DefaultClientLifetime bounds how long a pooled client is reused before its
// transport is rebuilt, so DNS changes are picked up.
const DefaultClientLifetime = 5 * time.Minute

// ErrPrivateIPAddress is returned when an outbound address resolves to a
// loopback, link-local or private range and private egress is not enabled.
var ErrPrivateIPAddress = errors.New(
	"outbound address resolves to a private IP range, which is not allowed; " +
		"enable AllowPrivateIP to override")

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local addr
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// AddressReferencesPrivateIP returns an error if the dialed address
// references a private IP address.
func AddressReferencesPrivateIP(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if isPrivateIP(ip) {
		return ErrPrivateIPAddress
	}
	return nil
}

// protectedDialerControl validates addresses prior to connection.
func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIP(address)
}

// ValidatingTransport rejects non-HTTPS request URLs prior to forwarding.
type ValidatingTransport struct {
	Transport http.RoundTripper

	// AllowHTTP permits plain http URLs. Used only in tests and for
	// operator-approved internal endpoints.
	AllowHTTP bool
}

// RoundTrip validates the request URL prior to forwarding.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	parsedURL, err := url.Parse(req.URL.String())
	if err != nil {
		return nil, fmt.Errorf("the supplied URL %s is malformed", req.URL.String())
	}
	if parsedURL.Scheme != "https" && !t.AllowHTTP {
		return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.String())
	}
	return t.Transport.RoundTrip(req)
}

// HTTPClientBuilder provides a fluent interface for building HTTP clients.
type HTTPClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	allowPrivate          bool
	allowHTTP             bool
}

// NewHTTPClientBuilder returns a new HTTPClientBuilder.
func NewHTTPClientBuilder() *HTTPClientBuilder {
	return &HTTPClientBuilder{
		clientTimeout:         HTTPTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout overrides the overall request deadline.
func (b *HTTPClientBuilder) WithTimeout(d time.Duration) *HTTPClientBuilder {
	if d > 0 {
		b.clientTimeout = d
	}
	return b
}

// WithCABundle sets the CA certificate bundle path.
func (b *HTTPClientBuilder) WithCABundle(path string) *HTTPClientBuilder {
	b.caCertPath = path
	return b
}

// WithPrivateIPs allows connections to private IP addresses.
func (b *HTTPClientBuilder) WithPrivateIPs(allow bool) *HTTPClientBuilder {
	b.allowPrivate = allow
	return b
}

// WithPlainHTTP allows plain http URLs in addition to https.
func (b *HTTPClientBuilder) WithPlainHTTP(allow bool) *HTTPClientBuilder {
	b.allowHTTP = allow
	return b
}

// Build creates the configured HTTP client.
func (b *HTTPClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Control: protectedDialerControl,
		}).DialContext
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}

		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    caCertPool,
		}
	}

	return &http.Client{
		Transport: &ValidatingTransport{Transport: transport, AllowHTTP: b.allowHTTP},
		Timeout:   b.clientTimeout,
	}, nil
}

// ClientPool hands out a shared *http.Client and rebuilds it once its
// lifetime elapses so pooled connections do not pin stale DNS answers.
type ClientPool struct {
	build    func() (*http.Client, error)
	lifetime time.Duration

	mu      sync.Mutex
	client  *http.Client
	builtAt time.Time
}

// NewClientPool creates a pool around the given builder. A zero lifetime
// uses DefaultClientLifetime.
func NewClientPool(builder *HTTPClientBuilder, lifetime time.Duration) *ClientPool {
	if lifetime <= 0 {
		lifetime = DefaultClientLifetime
	}
	return &ClientPool{
		build:    builder.Build,
		lifetime: lifetime,
	}
}

// Get returns the pooled client, rebuilding it when its lifetime elapsed.
func (p *ClientPool) Get() (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil && time.Since(p.builtAt) < p.lifetime {
		return p.client, nil
	}

	client, err := p.build()
	if err != nil {
		return nil, err
	}
	if p.client != nil {
		p.client.CloseIdleConnections()
	}
	p.client = client
	p.builtAt = time.Now()
	return client, nil
}
