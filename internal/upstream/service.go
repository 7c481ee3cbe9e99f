package upstream

import (
	"errors"
	"time"
)

// Flavor selects how the renderer expects to be addressed.
type Flavor string

const (
	// FlavorPrerender appends the page URL to the service path and
	// authenticates with X-Prerender-Token.
	FlavorPrerender Flavor = "prerender"
	// FlavorAjaxSnapshots passes the page URL in the url query parameter
	// and authenticates with X-AJS-APIKEY.
	FlavorAjaxSnapshots Flavor = "ajaxsnapshots"
)

const (
	DefaultServiceURL       = "http://service.prerender.io/"
	DefaultAjaxSnapshotsURL = "http://api.ajaxsnapshots.com/makeSnapshot"
	DefaultTimeout          = 60 * time.Second

	// AcceptOverride replaces the client's Accept header when
	// Service.OverrideAccept is set, so the renderer never negotiates a
	// non-HTML representation.
	AcceptOverride = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8"

	// AjaxSnapshotsSnapTime is the render wait, in milliseconds, requested
	// from ajaxsnapshots.
	AjaxSnapshotsSnapTime = "5000"
)

// ErrInvalidUpstreamURL is returned when the renderer URL cannot be built.
var ErrInvalidUpstreamURL = errors.New("invalid upstream url")

// ErrUpstreamUnavailable is returned when the renderer cannot be reached
// or its response cannot be read.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Service describes the rendering service.
type Service struct {
	BaseURL        string
	Token          string
	Timeout        time.Duration
	OverrideAccept bool
	Flavor         Flavor
}

// withDefaults fills unset fields.
func (s Service) withDefaults() Service {
	if s.Flavor == "" {
		s.Flavor = FlavorPrerender
	}
	if s.BaseURL == "" {
		s.BaseURL = DefaultServiceURL
		if s.Flavor == FlavorAjaxSnapshots {
			s.BaseURL = DefaultAjaxSnapshotsURL
		}
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	return s
}

func (s Service) tokenHeader() string {
	if s.Flavor == FlavorAjaxSnapshots {
		return "X-AJS-APIKEY"
	}
	return "X-Prerender-Token"
}

// RenderRequestHeader returns the header the renderer sets on its own
// page fetches.
func (f Flavor) RenderRequestHeader() string {
	if f == FlavorAjaxSnapshots {
		return "X-AJS-CALLTYPE"
	}
	return "X-Prerender"
}
