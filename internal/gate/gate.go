package gate

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/mattjoyce/sqsd-gate/internal/classify"
	"github.com/mattjoyce/sqsd-gate/internal/digest"
	"github.com/mattjoyce/sqsd-gate/internal/lifecycle"
	"github.com/mattjoyce/sqsd-gate/internal/log"
)

// Gate is the consumer gate. It holds no mutable state after New and is safe
// for concurrent use.
type Gate struct {
	config     Config
	verifier   *digest.Verifier
	classifier *classify.Classifier
	state      lifecycle.Provider
	dispatcher Dispatcher
	tasks      TaskRunner
	recorder   Recorder
	logger     *slog.Logger
}

// Option customises a Gate.
type Option func(*Gate)

// WithTaskRunner enables periodic task execution on Config.PeriodicTasksRoute.
func WithTaskRunner(tr TaskRunner) Option {
	return func(g *Gate) { g.tasks = tr }
}

// WithRecorder reports every daemon decision to r.
func WithRecorder(r Recorder) Option {
	return func(g *Gate) { g.recorder = r }
}

// New creates a gate. state is queried on every job decision.
func New(config Config, state lifecycle.Provider, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) (*Gate, error) {
	if config.Origin == "" {
		config.Origin = DefaultOrigin
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gate{
		config:     config,
		state:      state,
		dispatcher: dispatcher,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(g)
	}

	if !config.Enabled {
		return g, nil
	}

	if state == nil {
		return nil, fmt.Errorf("gate: lifecycle provider is nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("gate: dispatcher is nil")
	}

	verifier, err := digest.New(config.Secret, config.DigestScheme)
	if err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	classifier, err := classify.New(config.TrustedSources)
	if err != nil {
		return nil, fmt.Errorf("gate: %w", err)
	}
	g.verifier = verifier
	g.classifier = classifier
	return g, nil
}

// Enabled reports whether the gate inspects daemon traffic.
func (g *Gate) Enabled() bool { return g.config.Enabled }

// Middleware wraps next with the gate.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.Handle(w, r, next)
	})
}

// Handle runs the decision procedure for r. Pass-through requests are served
// by next and its response is left untouched.
func (g *Gate) Handle(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if !g.config.Enabled || !g.classifier.IsDaemonRequest(r) {
		next.ServeHTTP(w, r)
		return
	}

	d := g.evaluate(r)
	g.observe(r, d)

	if d.Outcome == PassThrough {
		next.ServeHTTP(w, r)
		return
	}
	g.respond(w, d)
}

// evaluate runs steps 2-5 for a request already identified as daemon traffic.
func (g *Gate) evaluate(r *http.Request) (d Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("gate fault, failing closed", "panic", fmt.Sprint(rec), "path", r.URL.Path)
			d = Decision{Outcome: Forbidden, Status: http.StatusForbidden, Reason: ReasonInternalFault}
		}
	}()

	if !g.classifier.IsFromTrustedLocalSource(r) {
		return forbidden(ReasonUntrustedSource)
	}

	origin, hasOrigin := classify.OriginTag(r)
	_, hasDigest := classify.DigestHeader(r)

	switch {
	case !hasOrigin && !hasDigest:
		if g.isPeriodicTask(r) {
			return g.runTask(r)
		}
		return passThrough(ReasonNotAddressed)
	case !hasOrigin:
		if !g.config.AcceptUnaddressedDigests {
			return forbidden(ReasonUnaddressedDigest)
		}
	case origin != g.config.Origin:
		return passThrough(ReasonOtherOrigin)
	}

	if g.state.CurrentState() == lifecycle.Draining {
		return unavailable()
	}
	return g.runJob(r)
}

func (g *Gate) isPeriodicTask(r *http.Request) bool {
	if g.tasks == nil || g.config.PeriodicTasksRoute == "" {
		return false
	}
	if r.URL.Path != g.config.PeriodicTasksRoute {
		return false
	}
	_, ok := classify.TaskName(r)
	return ok
}

func (g *Gate) runTask(r *http.Request) Decision {
	if g.state.CurrentState() == lifecycle.Draining {
		return unavailable()
	}

	name, _ := classify.TaskName(r)
	if err := g.tasks.RunTask(r.Context(), name, delivery(r, nil)); err != nil {
		log.WithMessage(g.logger, classify.MessageID(r)).Error("periodic task failed", "task", name, "error", err)
		return executed(http.StatusInternalServerError, ReasonTaskFailed)
	}
	return executed(http.StatusOK, ReasonTaskExecuted)
}

func (g *Gate) runJob(r *http.Request) Decision {
	// Read one byte past the limit to detect oversized bodies.
	body, err := io.ReadAll(io.LimitReader(r.Body, g.config.MaxBodySize+1))
	if err != nil {
		return forbidden(ReasonBodyUnreadable)
	}
	if int64(len(body)) > g.config.MaxBodySize {
		return forbidden(ReasonBodyTooLarge)
	}

	claimed, _ := classify.DigestHeader(r)
	if !g.verifier.Verify(body, claimed) {
		return forbidden(ReasonInvalidDigest)
	}

	if err := g.dispatcher.Dispatch(r.Context(), delivery(r, body)); err != nil {
		log.WithMessage(g.logger, classify.MessageID(r)).Error("job dispatch failed", "error", err)
		return executed(http.StatusInternalServerError, ReasonJobFailed)
	}
	return executed(http.StatusOK, ReasonJobDispatched)
}

func delivery(r *http.Request, body []byte) Delivery {
	return Delivery{
		MessageID:    classify.MessageID(r),
		Queue:        classify.QueueName(r),
		ReceiveCount: classify.ReceiveCount(r),
		Body:         body,
	}
}

// observe logs the decision (no body content) and reports it to the recorder.
func (g *Gate) observe(r *http.Request, d Decision) {
	if g.recorder != nil {
		g.recorder.ObserveDecision(d)
	}

	attrs := []any{
		"outcome", d.Outcome.String(),
		"reason", d.Reason,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
	}
	logger := log.WithMessage(g.logger, classify.MessageID(r))
	switch {
	case d.Reason == ReasonUntrustedSource:
		logger.Warn("daemon request from untrusted source rejected", attrs...)
	case d.Outcome == Forbidden:
		logger.Warn("daemon message rejected", attrs...)
	case d.Outcome == PassThrough:
		logger.Debug("daemon request passed through", attrs...)
	default:
		logger.Info("daemon message handled", attrs...)
	}
}

func (g *Gate) respond(w http.ResponseWriter, d Decision) {
	switch {
	case d.Outcome == Forbidden:
		respondJSON(w, d.Status, ErrorResponse{Error: "forbidden"})
	case d.Outcome == Unavailable:
		respondJSON(w, d.Status, ErrorResponse{Error: "unavailable"})
	case d.Status == http.StatusOK:
		respondJSON(w, d.Status, StatusResponse{Status: "ok"})
	default:
		respondJSON(w, d.Status, ErrorResponse{Error: "job failed"})
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func passThrough(reason string) Decision {
	return Decision{Outcome: PassThrough, Reason: reason}
}

func forbidden(reason string) Decision {
	return Decision{Outcome: Forbidden, Status: http.StatusForbidden, Reason: reason}
}

func unavailable() Decision {
	return Decision{Outcome: Unavailable, Status: http.StatusServiceUnavailable, Reason: ReasonDraining}
}

func executed(status int, reason string) Decision {
	return Decision{Outcome: Executed, Status: status, Reason: reason}
}
