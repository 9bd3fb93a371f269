package netutil

import (
	"crypto/tls"
	"net/http"
	"time"
)

// NewPollingTransport returns an http.Transport tuned for a client that polls
// a single API host on a short cadence. Idle connections are kept around long
// enough that consecutive polls reuse one TLS session instead of handshaking
// every time.
func NewPollingTransport() *http.Transport {
	return &http.Transport{
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   4,
	}
}

// NewPollingClient wraps NewPollingTransport in an http.Client with the given
// per-request timeout.
func NewPollingClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: NewPollingTransport(),
	}
}
