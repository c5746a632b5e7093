package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// MockTransport provides a mock implementation for testing.
type MockTransport struct {
	mu sync.Mutex

	// Response configuration, keyed by URL. A URL without a query string
	// also matches requests that carry one.
	Responses map[string]*Response
	Errors    map[string]error

	// Handler, when set, answers requests no fixed response matches.
	Handler func(url string, header http.Header) (*Response, error)

	// Delay is applied before every response.
	Delay time.Duration

	// Request tracking
	Requests []MockRequest

	closed bool
}

// MockRequest tracks GET requests.
type MockRequest struct {
	URL    string
	Header http.Header
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		Responses: make(map[string]*Response),
		Errors:    make(map[string]error),
		Requests:  []MockRequest{},
	}
}

// Get mocks an HTTP GET.
func (m *MockTransport) Get(ctx context.Context, url string, header http.Header) (*Response, error) {
	m.mu.Lock()
	m.Requests = append(m.Requests, MockRequest{URL: url, Header: header.Clone()})
	delay := m.Delay
	resp, respOK := m.lookupResponse(url)
	err, errOK := m.lookupError(url)
	handler := m.Handler
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch {
	case errOK:
		return nil, err
	case respOK:
		return resp, nil
	case handler != nil:
		return handler(url, header)
	}

	return &Response{StatusCode: http.StatusNotFound, Body: []byte(`"not found"`)}, nil
}

func (m *MockTransport) lookupResponse(url string) (*Response, bool) {
	if r, ok := m.Responses[url]; ok {
		return r, true
	}
	if idx := strings.IndexByte(url, '?'); idx >= 0 {
		r, ok := m.Responses[url[:idx]]
		return r, ok
	}
	return nil, false
}

func (m *MockTransport) lookupError(url string) (error, bool) {
	if e, ok := m.Errors[url]; ok {
		return e, true
	}
	if idx := strings.IndexByte(url, '?'); idx >= 0 {
		e, ok := m.Errors[url[:idx]]
		return e, ok
	}
	return nil, false
}

// Close mocks connection closing.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *MockTransport) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Helper methods for test setup

// AddJSON registers a 200 response with v encoded as JSON.
func (m *MockTransport) AddJSON(url string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("mock transport: marshal %s: %v", url, err))
	}
	m.AddResponse(url, http.StatusOK, data)
}

// AddResponse registers a raw response.
func (m *MockTransport) AddResponse(url string, status int, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[url] = &Response{StatusCode: status, Header: http.Header{}, Body: body}
}

// AddError makes requests to url fail with err.
func (m *MockTransport) AddError(url string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[url] = err
}

// ClearError removes an injected error.
func (m *MockTransport) ClearError(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Errors, url)
}

// Count returns how many requests went to url, ignoring query strings.
func (m *MockTransport) Count(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.Requests {
		u := r.URL
		if idx := strings.IndexByte(u, '?'); idx >= 0 && !strings.Contains(url, "?") {
			u = u[:idx]
		}
		if u == url {
			n++
		}
	}
	return n
}

// RequestCount returns the total number of requests.
func (m *MockTransport) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
