package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Doer executes HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Response is a fully buffered renderer response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Charset is the charset declared in Content-Type, if any.
	Charset string
	// Text is Body decoded to UTF-8.
	Text string
}

// Executor issues renderer requests.
type Executor struct {
	client  Doer
	timeout time.Duration
}

// NewExecutor returns an Executor using client. A non-positive timeout
// selects DefaultTimeout.
func NewExecutor(client Doer, timeout time.Duration) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{client: client, timeout: timeout}
}

// Execute performs a single GET for req and buffers the whole body. The
// call is bounded by the executor timeout and by ctx. Every transport,
// read or decode failure wraps ErrUpstreamUnavailable.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidUpstreamURL, req.URL, err)
	}
	for k, vv := range req.Header {
		httpReq.Header[k] = append([]string(nil), vv...)
	}
	if req.Host != "" {
		httpReq.Host = req.Host
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrUpstreamUnavailable, err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		Charset:    ContentCharset(resp.Header.Get("Content-Type")),
	}
	if out.Text, err = decode(body, out.Charset); err != nil {
		return nil, fmt.Errorf("%w: decoding %q body: %w", ErrUpstreamUnavailable, out.Charset, err)
	}
	return out, nil
}
