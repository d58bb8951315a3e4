// Package proxypool manages the outbound proxy rotation for upstream
// traffic. It parses a comma-separated proxy list (SOCKS5, HTTP, HTTPS),
// builds one transport per proxy, and hands them out round-robin so
// upstream requests spread across the configured egress points.
package proxypool

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// Pool rotates per-proxy transports. An empty pool vends direct clients.
type Pool struct {
	mu         sync.Mutex
	transports []*http.Transport
	cursor     int
}

// New parses rawURLs (comma-separated) and builds the pool. Entries that
// fail to parse are logged and skipped rather than failing startup.
func New(rawURLs string) *Pool {
	p := &Pool{}
	p.Reload(rawURLs)
	return p
}

// Reload replaces the proxy set. Invoked on config hot-reload; in-flight
// requests keep their old transport.
func (p *Pool) Reload(rawURLs string) {
	var transports []*http.Transport
	for _, raw := range strings.Split(rawURLs, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		transport, err := buildTransport(raw)
		if err != nil {
			log.Errorf("proxypool: skipping proxy %q: %v", raw, err)
			continue
		}
		transports = append(transports, transport)
	}

	p.mu.Lock()
	p.transports = transports
	p.cursor = 0
	p.mu.Unlock()

	if len(transports) > 0 {
		log.Infof("proxypool: %d outbound proxies configured", len(transports))
	}
}

// Len reports how many proxies are active.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

// Client returns an HTTP client bound to the next proxy in rotation with
// the given timeout. With no proxies configured the client dials direct.
func (p *Pool) Client(timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	// Assign only a non-nil transport: storing a nil *http.Transport in
	// the RoundTripper interface would bypass net/http's default-transport
	// fallback and panic instead of dialing direct.
	if transport := p.next(); transport != nil {
		client.Transport = transport
	}
	return client
}

func (p *Pool) next() *http.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.transports) == 0 {
		return nil
	}
	transport := p.transports[p.cursor%len(p.transports)]
	p.cursor = (p.cursor + 1) % len(p.transports)
	return transport
}

func buildTransport(raw string) (*http.Transport, error) {
	proxyURL, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}

	switch proxyURL.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if username := proxyURL.User.Username(); username != "" {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: username, Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if errSOCKS5 != nil {
			return nil, fmt.Errorf("create SOCKS5 dialer failed: %w", errSOCKS5)
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}, nil
	case "http", "https":
		return &http.Transport{Proxy: http.ProxyURL(proxyURL)}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
}
