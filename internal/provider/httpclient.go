package provider

import (
	"net"
	"net/http"
	"time"
)

// How long to wait for the first response headers. The body itself is a
// stream and can stay open much longer, so the client has no overall timeout.
const defaultHeaderTimeout = 60 * time.Second

// SharedHTTPClient returns an optimized HTTP client with connection pooling,
// tuned for long-lived streaming response bodies.
// Use this instead of creating individual clients per provider.
func SharedHTTPClient(headerTimeout time.Duration) *http.Client {
	if headerTimeout <= 0 {
		headerTimeout = defaultHeaderTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
	}
}
