package upstream

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// transportTuning holds HTTP transport settings shared by every adapter.
// Values are tuned for long-lived streamed responses over few hosts.
var transportTuning = struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	H2ReadIdleTimeout     time.Duration
	H2PingTimeout         time.Duration
}{
	MaxIdleConns:          1000,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ResponseHeaderTimeout: 600 * time.Second,
	DialTimeout:           30 * time.Second,
	KeepAlive:             30 * time.Second,
	H2ReadIdleTimeout:     30 * time.Second,
	H2PingTimeout:         15 * time.Second,
}

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

// SharedTransport returns the singleton transport used for direct (non-proxy)
// requests.
func SharedTransport() *http.Transport {
	sharedTransportOnce.Do(func() {
		sharedTransport = newBaseTransport()
		sharedTransport.DialContext = newDialer().DialContext
	})
	return sharedTransport
}

func newDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   transportTuning.DialTimeout,
		KeepAlive: transportTuning.KeepAlive,
	}
}

// newBaseTransport creates an http.Transport without a DialContext; the
// caller sets one appropriate to its proxy setup.
func newBaseTransport() *http.Transport {
	t := &http.Transport{
		MaxIdleConns:        transportTuning.MaxIdleConns,
		MaxIdleConnsPerHost: transportTuning.MaxIdleConnsPerHost,
		IdleConnTimeout:     transportTuning.IdleConnTimeout,

		TLSHandshakeTimeout:   transportTuning.TLSHandshakeTimeout,
		ExpectContinueTimeout: transportTuning.ExpectContinueTimeout,
		ResponseHeaderTimeout: transportTuning.ResponseHeaderTimeout,

		ForceAttemptHTTP2: true,

		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		WriteBufferSize: 64 * 1024,
		ReadBufferSize:  64 * 1024,
	}
	configureHTTP2(t)
	return t
}

// configureHTTP2 enables HTTP/2 pings so stalled streams are detected at the
// transport layer, not just by the idle watchdog.
func configureHTTP2(transport *http.Transport) {
	h2, err := http2.ConfigureTransports(transport)
	if err != nil {
		return
	}
	h2.ReadIdleTimeout = transportTuning.H2ReadIdleTimeout
	h2.PingTimeout = transportTuning.H2PingTimeout
}

// proxyTransport creates a transport routed through an HTTP/HTTPS proxy.
func proxyTransport(proxyURL *url.URL) *http.Transport {
	t := newBaseTransport()
	t.Proxy = http.ProxyURL(proxyURL)
	t.DialContext = newDialer().DialContext
	return t
}

// socks5Transport creates a transport dialing through a SOCKS5 proxy.
func socks5Transport(dialFunc func(network, addr string) (net.Conn, error)) *http.Transport {
	t := newBaseTransport()
	t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
		return dialFunc(network, addr)
	}
	return t
}

// transportCache caches transports by proxy URL so each distinct proxy gets
// exactly one connection pool.
type transportCache struct {
	mu    sync.RWMutex
	cache map[string]*http.Transport
}

func (c *transportCache) getOrCreate(proxyURLStr string) (*http.Transport, error) {
	if proxyURLStr == "" {
		return SharedTransport(), nil
	}

	c.mu.RLock()
	if t := c.cache[proxyURLStr]; t != nil {
		c.mu.RUnlock()
		return t, nil
	}
	c.mu.RUnlock()

	proxyURL, err := url.Parse(proxyURLStr)
	if err != nil {
		return nil, err
	}

	var transport *http.Transport
	switch proxyURL.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		transport = socks5Transport(dialer.Dial)
	case "http", "https":
		transport = proxyTransport(proxyURL)
	default:
		return SharedTransport(), nil
	}

	c.mu.Lock()
	c.cache[proxyURLStr] = transport
	c.mu.Unlock()
	return transport, nil
}

var (
	globalCache     *transportCache
	globalCacheOnce sync.Once
)

func globalTransportCache() *transportCache {
	globalCacheOnce.Do(func() {
		globalCache = &transportCache{cache: make(map[string]*http.Transport)}
	})
	return globalCache
}

// NewHTTPClient creates an http.Client using the pooled transport for the
// given proxy URL. An empty proxyURL selects the shared direct transport.
// Timeout zero means no overall deadline, which streamed requests require;
// stream liveness is enforced by the idle watchdog instead.
func NewHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	transport, err := globalTransportCache().getOrCreate(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

// headerRoundTripper injects fixed headers on every request, used to attach
// per-provider custom headers beneath client libraries that do not expose a
// header hook.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(h.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range h.headers {
			req.Header.Set(k, v)
		}
	}
	return h.base.RoundTrip(req)
}

// withHeaders wraps a client so every request carries the given headers.
func withHeaders(client *http.Client, headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return client
	}
	wrapped := *client
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	wrapped.Transport = &headerRoundTripper{base: base, headers: headers}
	return &wrapped
}
