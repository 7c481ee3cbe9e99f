package proxy_test

import (
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/prerender-proxy/internal/proxy"
	"github.com/goodtune/prerender-proxy/internal/rules"
	"github.com/goodtune/prerender-proxy/internal/upstream"
)

// renderer is a fake rendering service recording the last request.
type renderer struct {
	*httptest.Server
	calls   atomic.Int32
	path    atomic.Value
	status  int
	header  http.Header
	body    string
	lastReq atomic.Pointer[http.Request]
}

func newRenderer(t *testing.T, status int, header http.Header, body string) *renderer {
	t.Helper()
	rd := &renderer{status: status, header: header, body: body}
	rd.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rd.calls.Add(1)
		rd.path.Store(r.URL.Path)
		rd.lastReq.Store(r)
		for k, vv := range rd.header {
			for _, v := range vv {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(rd.status)
		io.WriteString(w, rd.body)
	}))
	t.Cleanup(rd.Close)
	return rd
}

func newEngine(t *testing.T, opts rules.Options, svc upstream.Service, events proxy.EventHandler) *proxy.Engine {
	t.Helper()
	opts.InterceptByDefault = true
	rs, err := rules.New(opts)
	require.NoError(t, err)
	b, err := upstream.NewBuilder(svc)
	require.NoError(t, err)
	return proxy.New(proxy.Config{
		Rules:    rs,
		Builder:  b,
		Executor: upstream.NewExecutor(nil, time.Second),
		Events:   events,
	})
}

func TestHandleEscapedFragment(t *testing.T) {
	rd := newRenderer(t, http.StatusOK, nil, "<html></html>")
	engine := newEngine(t, rules.Options{}, upstream.Service{BaseURL: rd.URL}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/test?_escaped_fragment_=", nil)
	rec := httptest.NewRecorder()

	require.True(t, engine.Handle(rec, req))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html></html>", rec.Body.String())
	assert.Equal(t, "/http://localhost/test", rd.path.Load())
	assert.Equal(t, "_escaped_fragment_=", rd.lastReq.Load().URL.RawQuery)
}

func TestHandleNonSuccessFallsThrough(t *testing.T) {
	rd := newRenderer(t, http.StatusNotFound, nil, "missing")
	engine := newEngine(t, rules.Options{}, upstream.Service{BaseURL: rd.URL}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/test?_escaped_fragment_=", nil)
	rec := httptest.NewRecorder()

	assert.False(t, engine.Handle(rec, req))
	assert.EqualValues(t, 1, rd.calls.Load())
	assert.Empty(t, rec.Body.String())
	assert.Empty(t, rec.Header())
}

func TestHandleStaticResourceNeverCallsRenderer(t *testing.T) {
	rd := newRenderer(t, http.StatusOK, nil, "<html></html>")
	engine := newEngine(t, rules.Options{CrawlerUserAgents: []string{"crawler1", "crawler2"}},
		upstream.Service{BaseURL: rd.URL}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/test.js", nil)
	req.Header.Set("User-Agent", "crawler1")

	assert.False(t, engine.Handle(httptest.NewRecorder(), req))
	assert.EqualValues(t, 0, rd.calls.Load())
}

func TestHandleCrawlerDefaultIntercept(t *testing.T) {
	rd := newRenderer(t, http.StatusOK, http.Header{
		"Content-Type":      {"text/html; charset=utf-8"},
		"X-Rendered":        {"1"},
		"Connection":        {"close"},
		"Transfer-Encoding": {"chunked"},
	}, "<html>rendered</html>")
	engine := newEngine(t, rules.Options{CrawlerUserAgents: []string{"crawler1", "crawler2"}},
		upstream.Service{BaseURL: rd.URL, Token: "tok"}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/test", nil)
	req.Header.Set("User-Agent", "crawler1")
	rec := httptest.NewRecorder()

	require.True(t, engine.Handle(rec, req))
	assert.Equal(t, "<html>rendered</html>", rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Rendered"))
	assert.Empty(t, rec.Header().Get("Connection"))
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "tok", rd.lastReq.Load().Header.Get("X-Prerender-Token"))
	assert.Equal(t, "crawler1", rd.lastReq.Load().Header.Get("User-Agent"))
}

func TestHandleForwardedURLHeader(t *testing.T) {
	rd := newRenderer(t, http.StatusOK, nil, "<html>public</html>")
	engine := newEngine(t, rules.Options{
		ForwardedURLHeader: "X-Forwarded-URL",
		Whitelist:          []string{"http://my.public.domain.com/"},
		Blacklist:          []string{"http://localhost/test"},
	}, upstream.Service{BaseURL: rd.URL}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/test?_escaped_fragment_=", nil)
	req.Header.Set("X-Forwarded-URL", "http://my.public.domain.com/")
	rec := httptest.NewRecorder()

	require.True(t, engine.Handle(rec, req))
	assert.Equal(t, "<html>public</html>", rec.Body.String())
	assert.Equal(t, "/http://my.public.domain.com/", rd.path.Load())
}

func TestHandleGzippedRenderer(t *testing.T) {
	var sawEncoding atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawEncoding.Store(r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			io.WriteString(w, "<html>zipped</html>")
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		zw := gzip.NewWriter(w)
		io.WriteString(zw, "<html>zipped</html>")
		zw.Close()
	}))
	defer srv.Close()

	engine := newEngine(t, rules.Options{}, upstream.Service{BaseURL: srv.URL}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/test", nil)
	req.Header.Set("User-Agent", "Googlebot/2.1")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	rec := httptest.NewRecorder()

	require.True(t, engine.Handle(rec, req))
	assert.Equal(t, "<html>zipped</html>", rec.Body.String())
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "19", rec.Header().Get("Content-Length"))
	assert.Equal(t, "gzip", sawEncoding.Load())
}

func TestHandleLogsTraceIDOnce(t *testing.T) {
	rd := newRenderer(t, http.StatusOK, nil, "<html></html>")
	rs, err := rules.New(rules.Options{InterceptByDefault: true})
	require.NoError(t, err)
	b, err := upstream.NewBuilder(upstream.Service{BaseURL: rd.URL})
	require.NoError(t, err)

	var buf bytes.Buffer
	engine := proxy.New(proxy.Config{
		Rules:    rs,
		Builder:  b,
		Executor: upstream.NewExecutor(nil, time.Second),
		Logger:   slog.New(slog.NewJSONHandler(&buf, nil)),
	})

	require.True(t, engine.Handle(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "http://localhost/test?_escaped_fragment_=", nil)))

	var line string
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if strings.Contains(l, `"msg":"prerender request"`) {
			line = l
		}
	}
	require.NotEmpty(t, line)
	assert.Equal(t, 1, strings.Count(line, `"trace_id"`))
}

func TestHandleBeforeSnapshotShortCircuits(t *testing.T) {
	rd := newRenderer(t, http.StatusOK, nil, "<html>upstream</html>")
	events := proxy.HandlerFuncs{
		Before: func(r *http.Request) *proxy.Snapshot {
			return &proxy.Snapshot{Body: "<html>cached</html>"}
		},
	}
	engine := newEngine(t, rules.Options{}, upstream.Service{BaseURL: rd.URL}, events)

	req := httptest.NewRequest(http.MethodGet, "http://localhost/test?_escaped_fragment_=", nil)
	rec := httptest.NewRecorder()

	require.True(t, engine.Handle(rec, req))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>cached</html>", rec.Body.String())
	assert.EqualValues(t, 0, rd.calls.Load())
}

func TestHandleBlankBeforeSnapshotProceeds(t *testing.T) {
	rd := newRenderer(t, http.StatusOK, nil, "<html>upstream</html>")
	events := proxy.HandlerFuncs{
		Before: func(r *http.Request) *proxy.Snapshot { return &proxy.Snapshot{Body: "  "} },
	}
	engine := newEngine(t, rules.Options{}, upstream.Service{BaseURL: rd.URL}, events)

	rec := httptest.NewRecorder()
	require.True(t, engine.Handle(rec, httptest.NewRequest(http.MethodGet, "http://localhost/test?_escaped_fragment_=", nil)))
	assert.Equal(t, "<html>upstream</html>", rec.Body.String())
}

func TestHandleAfterSnapshotRewritesBody(t *testing.T) {
	rd := newRenderer(t, http.StatusOK, http.Header{"Content-Type": {"text/html; charset=iso-8859-1"}}, "caf\xe9")
	var sawStatus int
	events := proxy.HandlerFuncs{
		After: func(r *http.Request, w http.ResponseWriter, resp *upstream.Response, body string) string {
			sawStatus = resp.StatusCode
			return strings.ToUpper(body) + "!"
		},
	}
	engine := newEngine(t, rules.Options{}, upstream.Service{BaseURL: rd.URL}, events)

	rec := httptest.NewRecorder()
	require.True(t, engine.Handle(rec, httptest.NewRequest(http.MethodGet, "http://localhost/test?_escaped_fragment_=", nil)))
	assert.Equal(t, http.StatusOK, sawStatus)
	assert.Equal(t, "CAF\xc9!", rec.Body.String())
	assert.Equal(t, "text/html; charset=iso-8859-1", rec.Header().Get("Content-Type"))
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
}

func TestHandlePanickingHookFallsThrough(t *testing.T) {
	rd := newRenderer(t, http.StatusOK, nil, "<html></html>")
	events := proxy.HandlerFuncs{
		After: func(*http.Request, http.ResponseWriter, *upstream.Response, string) string {
			panic("boom")
		},
	}
	engine := newEngine(t, rules.Options{}, upstream.Service{BaseURL: rd.URL}, events)

	rec := httptest.NewRecorder()
	assert.False(t, engine.Handle(rec, httptest.NewRequest(http.MethodGet, "http://localhost/test?_escaped_fragment_=", nil)))
	assert.Empty(t, rec.Body.String())
}

func TestHandleUnavailableRendererFallsThrough(t *testing.T) {
	rd := newRenderer(t, http.StatusOK, nil, "")
	addr := rd.URL
	rd.Close()

	engine := newEngine(t, rules.Options{}, upstream.Service{BaseURL: addr}, nil)
	assert.False(t, engine.Handle(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "http://localhost/test?_escaped_fragment_=", nil)))
}

func TestMiddleware(t *testing.T) {
	rd := newRenderer(t, http.StatusOK, nil, "<html>snapshot</html>")
	engine := newEngine(t, rules.Options{}, upstream.Service{BaseURL: rd.URL}, nil)

	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "app")
	})
	h := engine.Middleware(app)

	tests := []struct {
		name   string
		method string
		target string
		want   string
	}{
		{name: "crawler snapshot", method: http.MethodGet, target: "http://localhost/?_escaped_fragment_=", want: "<html>snapshot</html>"},
		{name: "browser", method: http.MethodGet, target: "http://localhost/", want: "app"},
		{name: "post", method: http.MethodPost, target: "http://localhost/?_escaped_fragment_=", want: "app"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			req.Header.Set("User-Agent", "Mozilla/5.0")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Body.String())
		})
	}
}

func TestCloseDestroysHandler(t *testing.T) {
	var destroyed bool
	engine := newEngine(t, rules.Options{}, upstream.Service{}, proxy.HandlerFuncs{OnClose: func() { destroyed = true }})
	engine.Close()
	assert.True(t, destroyed)
}
