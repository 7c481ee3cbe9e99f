package proxy

import (
	"net/http"

	"github.com/goodtune/prerender-proxy/internal/upstream"
)

// Snapshot is a rendered page ready to be written to the client.
type Snapshot struct {
	// StatusCode defaults to 200 when zero.
	StatusCode int
	Header     http.Header
	// Charset is the encoding the body is written in. Empty means UTF-8.
	Charset string
	// Body is the page text in UTF-8.
	Body string
}

// EventHandler lets the application observe and alter snapshots. It is
// supplied when the Engine is built and shared across requests, so
// implementations must be safe for concurrent use.
type EventHandler interface {
	// BeforeSnapshot runs before the renderer is contacted. A non-nil
	// result with a non-blank body is served as-is and the renderer is
	// skipped.
	BeforeSnapshot(r *http.Request) *Snapshot

	// AfterSnapshot runs after a successful render and returns the body
	// to send to the client.
	AfterSnapshot(r *http.Request, w http.ResponseWriter, resp *upstream.Response, body string) string

	// Destroy releases handler resources when the Engine is closed.
	Destroy()
}

// HandlerFuncs adapts optional functions to an EventHandler. Nil fields
// are no-ops.
type HandlerFuncs struct {
	Before  func(r *http.Request) *Snapshot
	After   func(r *http.Request, w http.ResponseWriter, resp *upstream.Response, body string) string
	OnClose func()
}

func (h HandlerFuncs) BeforeSnapshot(r *http.Request) *Snapshot {
	if h.Before == nil {
		return nil
	}
	return h.Before(r)
}

func (h HandlerFuncs) AfterSnapshot(r *http.Request, w http.ResponseWriter, resp *upstream.Response, body string) string {
	if h.After == nil {
		return body
	}
	return h.After(r, w, resp, body)
}

func (h HandlerFuncs) Destroy() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

// snapshotFromUpstream wraps a renderer response with the given body.
func snapshotFromUpstream(resp *upstream.Response, body string) *Snapshot {
	return &Snapshot{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Charset:    resp.Charset,
		Body:       body,
	}
}
