package upstream

import (
	"net/http"
	"strings"
)

// Hop-by-hop headers that must not be forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// IsHopByHop reports whether name is a hop-by-hop header. The comparison
// is case-insensitive.
func IsHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// CopyHeader adds every value of src to dst, skipping hop-by-hop headers
// and any name listed in skip.
func CopyHeader(dst, src http.Header, skip ...string) {
	for k, vv := range src {
		if IsHopByHop(k) || contains(skip, k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}
