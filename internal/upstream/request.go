package upstream

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Request is an outbound renderer call, ready for Executor.Execute.
type Request struct {
	URL    string
	Host   string
	Header http.Header
}

// Builder turns a classified incoming request into a renderer Request.
type Builder struct {
	svc  Service
	host string
}

// NewBuilder validates svc.BaseURL and returns a Builder for it.
func NewBuilder(svc Service) (*Builder, error) {
	svc = svc.withDefaults()
	u, err := parseAbsolute(svc.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: service url %q: %v", ErrInvalidUpstreamURL, svc.BaseURL, err)
	}
	return &Builder{svc: svc, host: hostHeader(u)}, nil
}

// Service returns the resolved service definition.
func (b *Builder) Service() Service {
	return b.svc
}

// Build constructs the renderer request for effectiveURL. Request headers
// of r are forwarded except Content-Length, Host, Accept-Encoding and
// hop-by-hop headers; Host is rewritten to the renderer host. Leaving out
// Accept-Encoding lets the transport negotiate and decompress gzip itself.
func (b *Builder) Build(effectiveURL string, r *http.Request) (*Request, error) {
	target := b.TargetURL(effectiveURL, r.URL.RawQuery)
	if _, err := parseAbsolute(target); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidUpstreamURL, target, err)
	}

	out := &Request{URL: target, Header: make(http.Header)}
	CopyHeader(out.Header, r.Header, "Content-Length", "Host", "Accept-Encoding")
	if r.Host != "" || r.Header.Get("Host") != "" {
		out.Host = b.host
	}
	if b.svc.OverrideAccept && out.Header.Get("Accept") != "" {
		out.Header.Set("Accept", AcceptOverride)
	}
	if token := strings.TrimSpace(b.svc.Token); token != "" {
		out.Header.Set(b.svc.tokenHeader(), token)
	}
	if b.svc.Flavor == FlavorAjaxSnapshots {
		out.Header.Set("X-AJS-SNAP-TIME", AjaxSnapshotsSnapTime)
	}
	return out, nil
}

// TargetURL returns the renderer URL for effectiveURL. rawQuery is
// appended unless effectiveURL already carries a query.
func (b *Builder) TargetURL(effectiveURL, rawQuery string) string {
	page := effectiveURL
	if rawQuery != "" && !strings.Contains(page, "?") {
		page += "?" + rawQuery
	}
	if b.svc.Flavor == FlavorAjaxSnapshots {
		sep := "?"
		if strings.Contains(b.svc.BaseURL, "?") {
			sep = "&"
		}
		return b.svc.BaseURL + sep + "url=" + encodeURIComponent(page)
	}
	return strings.TrimRight(b.svc.BaseURL, "/") + "/" + page
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}

// hostHeader returns host[:port] for u, omitting the scheme's default port.
func hostHeader(u *url.URL) string {
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		return strings.TrimSuffix(u.Host, ":"+port)
	}
	return u.Host
}

var uriComponentReplacer = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// encodeURIComponent escapes s the way JavaScript's encodeURIComponent does.
func encodeURIComponent(s string) string {
	return uriComponentReplacer.Replace(url.QueryEscape(s))
}
