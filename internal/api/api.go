// Package api is the HTTP surface of the dilemma and story services.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/moraltorture/internal/analytics"
	"github.com/hazyhaar/moraltorture/internal/auth"
	"github.com/hazyhaar/moraltorture/internal/db"
	"github.com/hazyhaar/moraltorture/internal/dilemma"
	"github.com/hazyhaar/moraltorture/internal/export"
	"github.com/hazyhaar/moraltorture/internal/llm"
	"github.com/hazyhaar/moraltorture/internal/metrics"
	"github.com/hazyhaar/moraltorture/internal/seed"
	"github.com/hazyhaar/moraltorture/internal/story"
	"github.com/hazyhaar/moraltorture/internal/validate"
)

const (
	maxBodySize      = 1 << 20  // 1MB
	maxAdminBodySize = 16 << 20 // bulk loads
	defaultLanguage  = "en"
)

// Which services a process serves.
const (
	ServiceAll     = "all"
	ServiceDilemma = "dilemma"
	ServiceStory   = "story"
)

// AdminStore is what the admin endpoints read and write.
type AdminStore interface {
	seed.Store
	export.Store
}

// Deps wires the API. Nil optional fields disable the matching feature:
// no Auth means no admin routes, no Analytics means no events.
type Deps struct {
	Dilemmas  *dilemma.Service
	Stories   *story.Service
	Store     AdminStore
	Auth      *auth.Auth
	Analytics *analytics.Recorder
	Metrics   *metrics.Metrics
	CallLog   *metrics.CallLog
	Gatherer  prometheus.Gatherer
	Checks    []HealthCheck

	// LLMRateLimit caps generate and analyze calls per client per minute.
	LLMRateLimit int
}

type API struct {
	dilemmas   *dilemma.Service
	stories    *story.Service
	store      AdminStore
	auth       *auth.Auth
	recorder   *analytics.Recorder
	metrics    *metrics.Metrics
	callLog    *metrics.CallLog
	gatherer   prometheus.Gatherer
	checks     []HealthCheck
	llmLimiter *RateLimiter
	now        func() time.Time
}

func New(d Deps) *API {
	limit := d.LLMRateLimit
	if limit <= 0 {
		limit = 10
	}
	return &API{
		dilemmas:   d.Dilemmas,
		stories:    d.Stories,
		store:      d.Store,
		auth:       d.Auth,
		recorder:   d.Analytics,
		metrics:    d.Metrics,
		callLog:    d.CallLog,
		gatherer:   d.Gatherer,
		checks:     d.Checks,
		llmLimiter: NewRateLimiter(limit, time.Minute),
		now:        time.Now,
	}
}

// RegisterRoutes registers the routes of service (all, dilemma or story),
// each both bare and under /api/v1.
func (a *API) RegisterRoutes(mux *http.ServeMux, service string) {
	a.handle(mux, "GET", "/{$}", a.handleRoot)
	a.handle(mux, "GET", "/health", a.handleHealth)
	if a.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	if (service == ServiceAll || service == ServiceDilemma) && a.dilemmas != nil {
		a.handle(mux, "GET", "/get-dilemma", a.handleGetDilemma)
		a.handle(mux, "POST", "/vote", a.handleVote)
		a.handle(mux, "POST", "/generate-dilemma", RateLimitMiddleware(a.llmLimiter, a.handleGenerateDilemma))
		a.handle(mux, "POST", "/analyze-results", RateLimitMiddleware(a.llmLimiter, a.handleAnalyzeResults))
	}
	if (service == ServiceAll || service == ServiceStory) && a.stories != nil {
		a.handle(mux, "GET", "/get-story-flow", a.handleGetStoryFlow)
		a.handle(mux, "POST", "/story-node-vote", a.handleStoryNodeVote)
	}
	if a.auth != nil && a.store != nil {
		a.RegisterAdminRoutes(mux)
	}
}

// Handler returns the full middleware chain around the routes of service.
func (a *API) Handler(service string, allowedOrigins []string) http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux, service)
	return RequestLogger(SecurityHeaders(CORS(allowedOrigins, mux)))
}

// handle registers h at path and at /api/v1+path, instrumented under path.
func (a *API) handle(mux *http.ServeMux, method, path string, h http.HandlerFunc) {
	wrapped := a.instrument(path, h)
	mux.HandleFunc(method+" "+path, wrapped)
	if path == "/{$}" {
		mux.HandleFunc(method+" /api/v1/{$}", wrapped)
		return
	}
	mux.HandleFunc(method+" /api/v1"+path, wrapped)
}

func (a *API) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		d := time.Since(start)
		a.metrics.ObserveHTTP(route, rec.status, d)
		a.callLog.RecordHTTP(r.Method, route, rec.status, d)
	}
}

func (a *API) handleRoot(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, map[string]string{"status": "ok", "message": "Moral Torture Machine API"})
}

// record sends an analytics event built from r. It never fails the request.
func (a *API) record(r *http.Request, action analytics.Action, language string, data map[string]any) {
	a.recorder.Record(analytics.FromRequest(r, action, language, data))
}

// writeError maps service errors onto HTTP statuses.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, validate.ErrInvalid):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, db.ErrNotFound):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, llm.ErrRateLimited):
		var ex *llm.ExhaustedError
		if errors.As(err, &ex) {
			jsonError(w, ex.Error(), http.StatusTooManyRequests)
			return
		}
		jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
	case errors.Is(err, llm.ErrUnavailable):
		slog.Error(op, "error", err)
		jsonError(w, "Failed to connect to external API", http.StatusBadGateway)
	case errors.Is(err, llm.ErrBadResponse):
		slog.Error(op, "error", err)
		jsonError(w, "Invalid JSON response from external API", http.StatusInternalServerError)
	case errors.Is(err, llm.ErrNoAPIKey):
		slog.Error(op, "error", err)
		jsonError(w, "API key configuration error", http.StatusInternalServerError)
	case errors.Is(err, context.Canceled):
		slog.Info(op + " cancelled by client")
		jsonError(w, "request cancelled", http.StatusServiceUnavailable)
	default:
		slog.Error(op, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

// decodeBody decodes a JSON request body of at most limit bytes.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return fmt.Errorf("%w: request body too large", validate.ErrInvalid)
		}
		return fmt.Errorf("%w: invalid request body", validate.ErrInvalid)
	}
	return nil
}

// queryLanguage defaults only an absent parameter; "?language=" is passed
// through so validation rejects it.
func queryLanguage(r *http.Request) string {
	q := r.URL.Query()
	if !q.Has("language") {
		return defaultLanguage
	}
	return q.Get("language")
}

func jsonResp(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
