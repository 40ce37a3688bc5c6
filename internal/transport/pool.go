package transport

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config contains connection pool settings
type Config struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
}

// DefaultConfig returns the pool settings used when none are configured
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
	}
}

// Pool is the process-wide outbound connection pool. It is created once at
// startup, shared by every request and closed on shutdown.
type Pool struct {
	transport *http.Transport
	dialer    *net.Dialer
	rt        http.RoundTripper
}

// NewPool creates the shared pool
func NewPool(cfg Config) *Pool {
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 10
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.DialTimeout,
	}

	return &Pool{
		transport: t,
		dialer:    dialer,
		rt:        otelhttp.NewTransport(t),
	}
}

// Client returns an HTTP client bound to the shared transport. A zero timeout
// leaves the deadline to the request context.
func (p *Pool) Client(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: p.rt,
	}
}

// Dialer returns the dialer used for raw and WebSocket connections
func (p *Pool) Dialer() *net.Dialer {
	return p.dialer
}

// Proxy returns the proxy selection function of the shared transport
func (p *Pool) Proxy() func(*http.Request) (*url.URL, error) {
	return p.transport.Proxy
}

// Close releases idle connections
func (p *Pool) Close() {
	p.transport.CloseIdleConnections()
}
