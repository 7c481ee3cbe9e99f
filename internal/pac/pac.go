// Package pac chooses the outbound proxy for renderer calls from a proxy
// auto-config script.
package pac

import (
	"fmt"
	"net/url"
	"sync"

	"github.com/darren/gpac"
)

// Route is the outcome of a PAC evaluation.
type Route struct {
	// Direct is true when the script returned DIRECT or nothing.
	Direct bool
	// ProxyAddress is host:port of the proxy to dial (empty if Direct).
	ProxyAddress string
}

// Evaluator wraps a gpac.Parser with safe concurrent access and reload
// support. It satisfies upstream.ProxyResolver.
type Evaluator struct {
	mu     sync.RWMutex
	parser *gpac.Parser
	source string
}

// New creates an Evaluator from a file path or URL.
func New(source string) (*Evaluator, error) {
	parser, err := gpac.From(source)
	if err != nil {
		return nil, fmt.Errorf("loading PAC from %q: %w", source, err)
	}
	return &Evaluator{parser: parser, source: source}, nil
}

// Evaluate runs FindProxyForURL for rawURL and returns the first directive.
func (e *Evaluator) Evaluate(rawURL string) (Route, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	proxies, err := e.parser.FindProxy(rawURL)
	if err != nil {
		return Route{}, fmt.Errorf("FindProxy(%q): %w", rawURL, err)
	}
	if len(proxies) == 0 || proxies[0].IsDirect() {
		return Route{Direct: true}, nil
	}
	return Route{ProxyAddress: proxies[0].Address}, nil
}

// ProxyFor returns the proxy URL for a renderer call to rawURL, or nil
// when the call should go direct.
func (e *Evaluator) ProxyFor(rawURL, _ string) (*url.URL, error) {
	route, err := e.Evaluate(rawURL)
	if err != nil {
		return nil, err
	}
	if route.Direct {
		return nil, nil
	}
	return &url.URL{Scheme: "http", Host: route.ProxyAddress}, nil
}

// Reload re-reads the script from its source. The previous script stays
// active if loading fails.
func (e *Evaluator) Reload() error {
	parser, err := gpac.From(e.source)
	if err != nil {
		return fmt.Errorf("reloading PAC from %q: %w", e.source, err)
	}
	e.mu.Lock()
	e.parser = parser
	e.mu.Unlock()
	return nil
}

// Source returns the configured PAC path or URL.
func (e *Evaluator) Source() string {
	return e.source
}
