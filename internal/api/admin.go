package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/moraltorture/internal/auth"
	"github.com/hazyhaar/moraltorture/internal/export"
	"github.com/hazyhaar/moraltorture/internal/seed"
	"github.com/hazyhaar/moraltorture/internal/validate"
)

// loginLimiter slows down password guessing on /admin/login.
var loginLimiter = NewRateLimiter(5, time.Minute)

// RegisterAdminRoutes adds the bearer-token protected content endpoints.
func (a *API) RegisterAdminRoutes(mux *http.ServeMux) {
	a.handle(mux, "POST", "/admin/login", RateLimitMiddleware(loginLimiter, a.handleAdminLogin))
	a.handle(mux, "PUT", "/admin/dilemmas", a.auth.RequireAdmin(a.handleLoadDilemmas))
	a.handle(mux, "DELETE", "/admin/dilemmas", a.auth.RequireAdmin(a.handleClearDilemmas))
	a.handle(mux, "PUT", "/admin/story-flows", a.auth.RequireAdmin(a.handleLoadFlows))
	a.handle(mux, "DELETE", "/admin/story-flows", a.auth.RequireAdmin(a.handleClearFlows))
	a.handle(mux, "GET", "/admin/export", a.auth.RequireAdmin(a.handleExport))
}

func (a *API) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeBody(w, r, maxBodySize, &req); err != nil {
		writeError(w, "admin login", err)
		return
	}
	token, err := a.auth.Login(req.Password)
	switch {
	case errors.Is(err, auth.ErrDisabled):
		jsonError(w, "admin login disabled", http.StatusForbidden)
		return
	case errors.Is(err, auth.ErrBadCredentials):
		slog.Warn("admin login failed")
		jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	case err != nil:
		writeError(w, "admin login", err)
		return
	}
	jsonResp(w, http.StatusOK, map[string]string{"token": token})
}

func (a *API) handleLoadDilemmas(w http.ResponseWriter, r *http.Request) {
	language := r.URL.Query().Get("language")
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	n, err := seed.LoadDilemmas(r.Context(), a.store, r.Body, language, seed.Options{Clear: r.URL.Query().Get("clear") == "true"})
	if err != nil {
		writeError(w, "load dilemmas", err)
		return
	}
	jsonResp(w, http.StatusOK, map[string]any{"loaded": n, "language": language})
}

func (a *API) handleLoadFlows(w http.ResponseWriter, r *http.Request) {
	language := r.URL.Query().Get("language")
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	n, err := seed.LoadFlows(r.Context(), a.store, r.Body, language, seed.Options{Clear: r.URL.Query().Get("clear") == "true"})
	if err != nil {
		writeError(w, "load story flows", err)
		return
	}
	jsonResp(w, http.StatusOK, map[string]any{"loaded": n, "language": language})
}

// clearScope returns the language to delete. An empty language means every
// language and must be asked for explicitly with all=true.
func clearScope(r *http.Request) (string, error) {
	language := r.URL.Query().Get("language")
	if language == "" {
		if r.URL.Query().Get("all") != "true" {
			return "", fmt.Errorf("%w: language or all=true required", validate.ErrInvalid)
		}
		return "", nil
	}
	return language, validate.Language(language)
}

func (a *API) handleClearDilemmas(w http.ResponseWriter, r *http.Request) {
	language, err := clearScope(r)
	if err != nil {
		writeError(w, "clear dilemmas", err)
		return
	}
	n, err := a.store.DeleteDilemmas(r.Context(), language)
	if err != nil {
		writeError(w, "clear dilemmas", err)
		return
	}
	slog.Info("dilemmas cleared", "language", language, "count", n)
	jsonResp(w, http.StatusOK, map[string]any{"deleted": n})
}

func (a *API) handleClearFlows(w http.ResponseWriter, r *http.Request) {
	language, err := clearScope(r)
	if err != nil {
		writeError(w, "clear story flows", err)
		return
	}
	n, err := a.store.DeleteFlows(r.Context(), language)
	if err != nil {
		writeError(w, "clear story flows", err)
		return
	}
	slog.Info("story flows cleared", "language", language, "count", n)
	jsonResp(w, http.StatusOK, map[string]any{"deleted": n})
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	language := r.URL.Query().Get("language")
	if language != "" {
		if err := validate.Language(language); err != nil {
			writeError(w, "export", err)
			return
		}
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", `attachment; filename="moraltorture-export.jsonl"`)
	n, err := export.NewExporter(a.store).Export(r.Context(), w, language)
	if err != nil {
		// Headers are gone once the first record is written.
		slog.Error("export failed", "error", err, "written", n)
		if n == 0 {
			writeError(w, "export", err)
		}
		return
	}
	slog.Info("export done", "language", language, "records", n)
}
