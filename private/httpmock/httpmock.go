// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package httpmock

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Response represents a mocked HTTP response.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       string

	// Delay postpones the response, honoring request cancellation, so
	// timeout behavior can be exercised.
	Delay time.Duration

	// Err makes the round trip fail with a transport error instead of
	// returning a response.
	Err error
}

// Request is a captured request, body already drained.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   string
}

// Transport is a custom HTTP transport for handling mocked responses.
type Transport struct {
	responses map[string][]Response
	requests  []Request
	mutex     sync.RWMutex
}

// NewTransport creates a new instance of Transport.
func NewTransport() *Transport {
	return &Transport{
		responses: make(map[string][]Response),
	}
}

// AddResponse registers a response for a given URL.
// Multiple responses for the same URL will be returned in sequence.
func (t *Transport) AddResponse(url string, response Response) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.responses[url] = append(t.responses[url], response)
}

// Requests returns the captured requests in arrival order.
func (t *Transport) Requests() []Request {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return append([]Request{}, t.requests...)
}

// RoundTrip implements the http.RoundTripper interface.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body string
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
		body = string(data)
	}

	t.mutex.Lock()
	t.requests = append(t.requests, Request{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	})

	responses, ok := t.responses[req.URL.String()]
	if !ok || len(responses) == 0 {
		t.mutex.Unlock()
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(strings.NewReader("Not Found")),
			Request:    req,
		}, nil
	}

	response := responses[0]
	// Remove the first response after using it
	t.responses[req.URL.String()] = responses[1:]
	t.mutex.Unlock()

	if response.Delay > 0 {
		select {
		case <-time.After(response.Delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	if response.Err != nil {
		return nil, response.Err
	}

	headers := make(http.Header)
	for key, value := range response.Headers {
		headers.Set(key, value)
	}

	return &http.Response{
		StatusCode: response.StatusCode,
		Header:     headers,
		Body:       io.NopCloser(strings.NewReader(response.Body)),
		Request:    req,
	}, nil
}

// NewClient creates an *http.Client configured to use the Transport.
func NewClient() (*http.Client, *Transport) {
	transport := NewTransport()
	client := &http.Client{Transport: transport}
	return client, transport
}
