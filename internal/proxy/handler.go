package proxy

import (
	"log/slog"
	"net/http"

	"github.com/goodtune/prerender-proxy/internal/rules"
	"github.com/goodtune/prerender-proxy/internal/upstream"
)

// State is the terminal engine state for a request.
type State string

const (
	StateNotEvaluated   State = "NOT_EVALUATED"
	StateClassified     State = "CLASSIFIED"
	StateShortCircuited State = "SHORT_CIRCUITED"
	StateForwarded      State = "FORWARDED"
	StatePassedThrough  State = "PASSED_THROUGH"
)

// Config wires the engine's collaborators.
type Config struct {
	Rules    *rules.RuleSet
	Builder  *upstream.Builder
	Executor *upstream.Executor
	// Events is optional.
	Events EventHandler
	Logger *slog.Logger
}

// Engine decides per request whether to serve a rendered snapshot and
// serves it. It is safe for concurrent use.
type Engine struct {
	rules    *rules.RuleSet
	builder  *upstream.Builder
	executor *upstream.Executor
	events   EventHandler
	logger   *slog.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:    cfg.Rules,
		builder:  cfg.Builder,
		executor: cfg.Executor,
		events:   cfg.Events,
		logger:   logger,
	}
}

// Middleware serves snapshots for eligible requests and hands every other
// request to next.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if e.Handle(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close tears down the event handler.
func (e *Engine) Close() {
	if e.events != nil {
		e.events.Destroy()
	}
}
