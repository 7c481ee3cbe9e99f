package rules

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dlclark/regexp2"
)

// EscapedFragmentKey is the query parameter crawlers use to ask for a
// snapshot of an AJAX page.
const EscapedFragmentKey = "_escaped_fragment_"

// Reason records which rule decided a classification.
type Reason string

const (
	ReasonNotGet           Reason = "NOT_GET"
	ReasonStaticResource   Reason = "STATIC_RESOURCE"
	ReasonIsRenderRequest  Reason = "IS_RENDER_REQUEST"
	ReasonNotWhitelisted   Reason = "NOT_WHITELISTED"
	ReasonBlacklisted      Reason = "BLACKLISTED"
	ReasonEscapedFragment  Reason = "ESCAPED_FRAGMENT"
	ReasonNoUserAgent      Reason = "NO_USER_AGENT"
	ReasonNotCrawler       Reason = "NOT_CRAWLER"
	ReasonDefaultIntercept Reason = "DEFAULT_INTERCEPT"
	ReasonDefaultPass      Reason = "DEFAULT_PASS"
)

// Result is the outcome of Classify.
type Result struct {
	Intercept    bool
	EffectiveURL string
	Reason       Reason
}

func (r Result) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("intercept", r.Intercept),
		slog.String("effective_url", r.EffectiveURL),
		slog.String("reason", string(r.Reason)),
	)
}

// Classify decides whether r should be answered with a rendered snapshot.
// Rules are evaluated in a fixed order and the first one that decides
// wins. Classify performs no I/O.
func Classify(r *http.Request, rs *RuleSet) Result {
	res := Result{EffectiveURL: EffectiveURL(r, rs)}
	decide := func(intercept bool, reason Reason) Result {
		res.Intercept = intercept
		res.Reason = reason
		return res
	}

	if r.Method != http.MethodGet {
		return decide(false, ReasonNotGet)
	}
	if isStaticResource(res.EffectiveURL, rs.ExtensionsToIgnore) {
		return decide(false, ReasonStaticResource)
	}
	for _, h := range rs.RenderRequestHeaders {
		if r.Header.Get(h) != "" {
			return decide(false, ReasonIsRenderRequest)
		}
	}
	if rs.Whitelist != nil && !anyMatch(rs.Whitelist, res.EffectiveURL) {
		return decide(false, ReasonNotWhitelisted)
	}
	if rs.Blacklist != nil {
		referer := strings.TrimSpace(r.Referer())
		if anyMatch(rs.Blacklist, res.EffectiveURL) || (referer != "" && anyMatch(rs.Blacklist, referer)) {
			return decide(false, ReasonBlacklisted)
		}
	}
	if _, ok := r.URL.Query()[EscapedFragmentKey]; ok {
		return decide(true, ReasonEscapedFragment)
	}

	ua := strings.TrimSpace(r.UserAgent())
	if ua == "" {
		return decide(false, ReasonNoUserAgent)
	}
	if !isCrawler(ua, rs.CrawlerUserAgents) {
		return decide(false, ReasonNotCrawler)
	}
	if !rs.InterceptByDefault {
		return decide(false, ReasonDefaultPass)
	}
	return decide(true, ReasonDefaultIntercept)
}

// EffectiveURL returns the URL used for rule matching and as the
// upstream path. The forwarded URL header, when configured and present,
// wins outright; otherwise the protocol override and path stripping are
// applied to the request URL.
func EffectiveURL(r *http.Request, rs *RuleSet) string {
	if rs.ForwardedURLHeader != "" {
		if u := strings.TrimSpace(r.Header.Get(rs.ForwardedURLHeader)); u != "" {
			return u
		}
	}

	raw := RequestURL(r)
	u := ""
	if rs.Protocol != "" {
		u = rs.Protocol + strings.TrimPrefix(raw, requestScheme(r))
	}
	if len(rs.PathsToStrip) > 0 {
		if u == "" {
			u = raw
		}
		for _, p := range rs.PathsToStrip {
			u = strings.ReplaceAll(u, p, "")
		}
	}
	if strings.TrimSpace(u) != "" {
		return u
	}
	return raw
}

// RequestURL reconstructs scheme://host/path for r without the query
// string.
func RequestURL(r *http.Request) string {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	return requestScheme(r) + "://" + host + path
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if r.URL.Scheme != "" {
		return strings.ToLower(r.URL.Scheme)
	}
	return "http"
}

func isStaticResource(u string, extensions []string) bool {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	u = strings.ToLower(u)
	for _, ext := range extensions {
		if strings.HasSuffix(u, ext) {
			return true
		}
	}
	return false
}

func isCrawler(ua string, crawlers []string) bool {
	ua = strings.ToLower(ua)
	for _, c := range crawlers {
		if strings.Contains(ua, c) {
			return true
		}
	}
	return false
}

// anyMatch reports whether s fully matches one of res. A match that times
// out counts as no match.
func anyMatch(res []*regexp2.Regexp, s string) bool {
	for _, re := range res {
		if ok, err := re.MatchString(s); err == nil && ok {
			return true
		}
	}
	return false
}
