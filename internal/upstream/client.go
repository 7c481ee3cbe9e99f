package upstream

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
)

// ProxyResolver picks the outbound proxy for a renderer URL. A nil URL
// means connect directly.
type ProxyResolver interface {
	ProxyFor(rawURL, host string) (*url.URL, error)
}

// ClientOptions configures the shared renderer client.
type ClientOptions struct {
	// ProxyHost and ProxyPort name a fixed HTTP proxy. Ignored when
	// Resolver is set.
	ProxyHost string
	ProxyPort int
	Resolver  ProxyResolver
}

// NewClient returns an *http.Client with a pooled transport. Without a
// resolver or fixed proxy the environment proxy settings apply. The client
// itself has no timeout; Executor bounds each call. Redirects are returned
// to the caller rather than followed.
func NewClient(opts ClientOptions) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	switch {
	case opts.Resolver != nil:
		resolver := opts.Resolver
		transport.Proxy = func(r *http.Request) (*url.URL, error) {
			return resolver.ProxyFor(r.URL.String(), r.URL.Hostname())
		}
	case opts.ProxyHost != "":
		transport.Proxy = http.ProxyURL(&url.URL{
			Scheme: "http",
			Host:   net.JoinHostPort(opts.ProxyHost, strconv.Itoa(opts.ProxyPort)),
		})
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
