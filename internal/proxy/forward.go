package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goodtune/prerender-proxy/internal/logging"
	"github.com/goodtune/prerender-proxy/internal/metrics"
	"github.com/goodtune/prerender-proxy/internal/rules"
	"github.com/goodtune/prerender-proxy/internal/upstream"
)

// ErrUpstreamNonSuccess is returned when the renderer answers with a
// status other than 200.
var ErrUpstreamNonSuccess = errors.New("upstream returned non-success status")

// requestState accumulates what a single Handle call did, for the final
// log line and metrics.
type requestState struct {
	traceID  string
	state    State
	result   rules.Result
	upstream string
	status   int
	sent     int64
}

// Handle serves a snapshot for r when it is eligible and reports whether
// the response was written. On false the caller must handle r itself;
// nothing has been written to w. Handle never panics.
func (e *Engine) Handle(w http.ResponseWriter, r *http.Request) (handled bool) {
	start := time.Now()
	st := &requestState{traceID: uuid.NewString(), state: StateNotEvaluated}
	logger := e.logger.With("trace_id", st.traceID)
	tw := &trackingWriter{ResponseWriter: w}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("prerender engine panic", "panic", fmt.Sprint(rec), "state", st.state)
			metrics.UpstreamErrors.WithLabelValues("panic").Inc()
			handled = tw.wrote
			st.state = StatePassedThrough
			if handled {
				st.state = StateForwarded
			}
		}
		e.record(e.logger, r, st, time.Since(start))
	}()

	st.result = rules.Classify(r, e.rules)
	st.state = StateClassified
	metrics.DecisionsTotal.WithLabelValues(string(st.result.Reason), strconv.FormatBool(st.result.Intercept)).Inc()
	logger.Debug("request classified", "url", rules.RequestURL(r), "user_agent", r.UserAgent(),
		"referer", r.Referer(), "result", st.result)

	if !st.result.Intercept {
		st.state = StatePassedThrough
		return false
	}

	if snap := e.beforeSnapshot(r); snap != nil {
		st.state = StateShortCircuited
		st.status = snap.StatusCode
		if err := e.write(tw, snap, st); err != nil {
			logger.Error("writing precomputed snapshot failed", "error", err)
			return tw.wrote
		}
		return true
	}

	resp, err := e.fetch(r.Context(), r, st)
	if err != nil {
		e.logFallThrough(logger, err)
		st.state = StatePassedThrough
		return false
	}

	body := resp.Text
	if e.events != nil {
		body = e.events.AfterSnapshot(r, tw, resp, body)
	}

	st.state = StateForwarded
	if err := e.write(tw, snapshotFromUpstream(resp, body), st); err != nil {
		logger.Error("writing snapshot failed", "error", err)
		if !tw.wrote {
			st.state = StatePassedThrough
			return false
		}
	}
	return true
}

func (e *Engine) beforeSnapshot(r *http.Request) *Snapshot {
	if e.events == nil {
		return nil
	}
	snap := e.events.BeforeSnapshot(r)
	if snap == nil || strings.TrimSpace(snap.Body) == "" {
		return nil
	}
	return snap
}

// fetch builds and executes the renderer request. Only a 200 response is
// returned without error.
func (e *Engine) fetch(ctx context.Context, r *http.Request, st *requestState) (*upstream.Response, error) {
	req, err := e.builder.Build(st.result.EffectiveURL, r)
	if err != nil {
		return nil, err
	}
	st.upstream = req.URL

	metrics.ActiveUpstream.Inc()
	defer metrics.ActiveUpstream.Dec()

	start := time.Now()
	resp, err := e.executor.Execute(ctx, req)
	code := "error"
	if resp != nil {
		code = strconv.Itoa(resp.StatusCode)
		st.status = resp.StatusCode
	}
	metrics.UpstreamDuration.WithLabelValues(code).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d", ErrUpstreamNonSuccess, resp.StatusCode)
	}
	return resp, nil
}

func (e *Engine) write(w *trackingWriter, snap *Snapshot, st *requestState) error {
	n, err := Project(w, snap)
	st.sent = n
	if st.status == 0 {
		st.status = w.status
	}
	return err
}

func (e *Engine) logFallThrough(logger *slog.Logger, err error) {
	kind := "unknown"
	switch {
	case errors.Is(err, upstream.ErrInvalidUpstreamURL):
		kind = "invalid_url"
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		kind = "unavailable"
	case errors.Is(err, ErrUpstreamNonSuccess):
		kind = "non_success"
	}
	metrics.UpstreamErrors.WithLabelValues(kind).Inc()
	logger.Warn("renderer call failed, passing request through", "kind", kind, "error", err)
}

// record emits the request line on the untagged logger; the entry carries
// the trace id itself.
func (e *Engine) record(logger *slog.Logger, r *http.Request, st *requestState, d time.Duration) {
	metrics.OutcomesTotal.WithLabelValues(string(st.state)).Inc()
	metrics.RequestDuration.WithLabelValues(string(st.state)).Observe(d.Seconds())
	if st.sent > 0 {
		metrics.BytesSent.WithLabelValues(string(st.state)).Add(float64(st.sent))
	}

	logging.LogRequest(logger, logging.RequestEntry{
		TraceID:      st.traceID,
		ClientIP:     clientIP(r),
		Method:       r.Method,
		URL:          rules.RequestURL(r),
		EffectiveURL: st.result.EffectiveURL,
		Reason:       string(st.result.Reason),
		State:        string(st.state),
		Upstream:     st.upstream,
		StatusCode:   st.status,
		Duration:     d,
		BytesSent:    st.sent,
	})
}

// trackingWriter records whether the response has been started so a
// failure can still fall through to the host handler.
type trackingWriter struct {
	http.ResponseWriter
	wrote  bool
	status int
}

func (t *trackingWriter) WriteHeader(code int) {
	if !t.wrote {
		t.wrote = true
		t.status = code
	}
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	if !t.wrote {
		t.wrote = true
		t.status = http.StatusOK
	}
	return t.ResponseWriter.Write(b)
}

func (t *trackingWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (t *trackingWriter) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
