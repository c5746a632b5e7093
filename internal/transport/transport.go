package transport

import (
	"context"
	"net/http"
)

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Transport performs GET requests for the storage client. Implementations
// do not retry; network failures are returned as *models.RemoteError.
type Transport interface {
	Get(ctx context.Context, url string, header http.Header) (*Response, error)

	// Lifecycle
	Close() error
}
