package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// DefaultCrawlerUserAgents are matched as case-insensitive substrings of
// the User-Agent header. Configured identifiers are appended to these.
var DefaultCrawlerUserAgents = []string{
	"googlebot",
	"yahoo",
	"bingbot",
	"baiduspider",
	"facebookexternalhit",
	"twitterbot",
	"rogerbot",
	"linkedinbot",
	"embedly",
}

// DefaultExtensionsToIgnore are URL suffixes that are never rendered.
var DefaultExtensionsToIgnore = []string{
	".xml", ".js", ".css", ".less", ".png", ".jpg", ".jpeg", ".gif", ".pdf",
	".doc", ".txt", ".zip", ".mp3", ".rar", ".exe", ".wmv", ".avi", ".ppt",
	".mpg", ".mpeg", ".tif", ".wav", ".mov", ".psd", ".ai", ".xls", ".mp4",
	".m4a", ".swf", ".dat", ".dmg", ".iso", ".flv", ".m4v", ".torrent",
}

// DefaultRenderRequestHeader is sent by the renderer when it fetches the
// page itself.
const DefaultRenderRequestHeader = "X-Prerender"

// regexMatchTimeout bounds a single whitelist/blacklist evaluation.
const regexMatchTimeout = time.Second

// Options holds the raw rule configuration. List fields are used as given;
// callers split comma-separated values beforehand.
type Options struct {
	CrawlerUserAgents    []string
	ExtensionsToIgnore   []string
	Whitelist            []string
	Blacklist            []string
	ForwardedURLHeader   string
	Protocol             string
	PathsToStrip         []string
	RenderRequestHeaders []string
	InterceptByDefault   bool
}

// RuleSet is the resolved, immutable rule configuration. It is safe for
// concurrent use once returned by New.
type RuleSet struct {
	CrawlerUserAgents    []string
	ExtensionsToIgnore   []string
	Whitelist            []*regexp2.Regexp
	Blacklist            []*regexp2.Regexp
	ForwardedURLHeader   string
	Protocol             string
	PathsToStrip         []string
	RenderRequestHeaders []string
	InterceptByDefault   bool
}

// New builds a RuleSet from opts, appending the configured crawler
// identifiers and extensions to the defaults and compiling every
// whitelist and blacklist pattern.
func New(opts Options) (*RuleSet, error) {
	rs := &RuleSet{
		CrawlerUserAgents:    lowerAll(DefaultCrawlerUserAgents, opts.CrawlerUserAgents),
		ExtensionsToIgnore:   lowerAll(DefaultExtensionsToIgnore, opts.ExtensionsToIgnore),
		ForwardedURLHeader:   strings.TrimSpace(opts.ForwardedURLHeader),
		PathsToStrip:         nonBlank(opts.PathsToStrip),
		RenderRequestHeaders: nonBlank(opts.RenderRequestHeaders),
		InterceptByDefault:   opts.InterceptByDefault,
	}
	if len(rs.RenderRequestHeaders) == 0 {
		rs.RenderRequestHeaders = []string{DefaultRenderRequestHeader}
	}

	switch p := strings.ToLower(strings.TrimSpace(opts.Protocol)); p {
	case "", "http", "https":
		rs.Protocol = p
	default:
		return nil, fmt.Errorf("protocol must be http or https, got %q", opts.Protocol)
	}

	var err error
	if rs.Whitelist, err = compileAll(opts.Whitelist); err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	if rs.Blacklist, err = compileAll(opts.Blacklist); err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}
	return rs, nil
}

// compileAll returns nil when no pattern is configured so that an absent
// list is distinguishable from an empty one.
func compileAll(patterns []string) ([]*regexp2.Regexp, error) {
	patterns = nonBlank(patterns)
	if len(patterns) == 0 {
		return nil, nil
	}
	out := make([]*regexp2.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp2.Compile(`\A(?:`+p+`)\z`, regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("compiling %q: %w", p, err)
		}
		re.MatchTimeout = regexMatchTimeout
		out = append(out, re)
	}
	return out, nil
}

func lowerAll(defaults, extra []string) []string {
	out := make([]string, 0, len(defaults)+len(extra))
	for _, s := range defaults {
		out = append(out, strings.ToLower(s))
	}
	for _, s := range nonBlank(extra) {
		out = append(out, strings.ToLower(s))
	}
	return out
}

func nonBlank(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SplitList splits a comma-separated configuration value, dropping blank
// entries.
func SplitList(s string) []string {
	return nonBlank(strings.Split(s, ","))
}
