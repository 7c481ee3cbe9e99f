// Package hooks provides snapshot event handlers for the prerender engine.
package hooks

import (
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/goodtune/prerender-proxy/internal/proxy"
	"github.com/goodtune/prerender-proxy/internal/upstream"
)

// Chain runs handlers in order. BeforeSnapshot returns the first usable
// snapshot; AfterSnapshot feeds each handler's output to the next; Destroy
// runs in reverse order.
type Chain []proxy.EventHandler

func (c Chain) BeforeSnapshot(r *http.Request) *proxy.Snapshot {
	for _, h := range c {
		if snap := h.BeforeSnapshot(r); snap != nil && strings.TrimSpace(snap.Body) != "" {
			return snap
		}
	}
	return nil
}

func (c Chain) AfterSnapshot(r *http.Request, w http.ResponseWriter, resp *upstream.Response, body string) string {
	for _, h := range c {
		body = h.AfterSnapshot(r, w, resp, body)
	}
	return body
}

func (c Chain) Destroy() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].Destroy()
	}
}

// StripScripts removes executable <script> elements from HTML snapshots.
// Structured data blocks (application/ld+json) are kept.
type StripScripts struct {
	Logger *slog.Logger
}

func (s *StripScripts) BeforeSnapshot(*http.Request) *proxy.Snapshot { return nil }

func (s *StripScripts) AfterSnapshot(_ *http.Request, _ http.ResponseWriter, resp *upstream.Response, body string) string {
	if !isHTML(resp.Header.Get("Content-Type")) {
		return body
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		s.logger().Warn("parsing snapshot failed, leaving scripts in place", "error", err)
		return body
	}

	scripts := doc.Find("script").Not(`script[type="application/ld+json"]`)
	if scripts.Length() == 0 {
		return body
	}
	scripts.Remove()

	out, err := doc.Html()
	if err != nil {
		s.logger().Warn("rendering stripped snapshot failed", "error", err)
		return body
	}
	return out
}

func (s *StripScripts) Destroy() {}

func (s *StripScripts) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// isHTML treats a missing Content-Type as HTML.
func isHTML(ct string) bool {
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
