package utils

import (
	"net/http"
	"time"
)

const (
	UserAgent = "Signpost/1.0 (+https://github.com/marcus-crane/signpost)"
)

type UARoundtripper struct {
	RT http.RoundTripper
}

func (uart *UARoundtripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := uart.RT
	if rt == nil {
		rt = http.DefaultTransport
	}
	// RoundTrippers shouldn't mutate the caller's request
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", UserAgent)
	return rt.RoundTrip(req)
}

// NewHTTPClient returns a client whose whole exchange, body included, must finish within timeout.
// A zero timeout means no limit.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &UARoundtripper{},
	}
}

// NewStreamingClient only bounds the wait for response headers so that large
// bodies can take as long as they need to arrive.
func NewStreamingClient(headerTimeout time.Duration) *http.Client {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		// DefaultTransport has been swapped out, usually by an HTTP mock
		return &http.Client{Transport: &UARoundtripper{}}
	}
	transport := base.Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{
		Transport: &UARoundtripper{RT: transport},
	}
}
