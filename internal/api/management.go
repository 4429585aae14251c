package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/leadbot/internal/analytics"
	"github.com/kalambet/leadbot/internal/clients"
	"github.com/kalambet/leadbot/internal/docs"
	"github.com/kalambet/leadbot/internal/profile"
	"github.com/kalambet/leadbot/internal/scoring"
	"github.com/kalambet/leadbot/internal/storage"
)

// VectorDeleter removes the embedded chunks of a document.
type VectorDeleter interface {
	DeleteByDocument(documentID string) (int, error)
}

// HealthChecker probes the LLM backend.
type HealthChecker interface {
	ListModels(ctx context.Context) ([]string, error)
}

// AppDeps holds dependencies for the management API.
type AppDeps struct {
	Clients   *clients.Manager
	Profiles  *profile.Store
	Analytics *analytics.Service
	Store     *storage.Store
	Vectors   VectorDeleter // optional; if nil, vector cleanup is skipped on delete
	Fetcher   *docs.Fetcher // optional; defaults to a fetcher on http.DefaultClient
	Health    HealthChecker // optional
	Token     string
	Logger    *slog.Logger
}

// NewAppHandler returns the management API. Everything but /health requires
// the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	registerApp(r, deps)
	return r
}

// NewRouter serves the provider webhooks next to the management API.
func NewRouter(webhooks *Webhooks, deps AppDeps) http.Handler {
	r := chi.NewRouter()
	webhooks.Register(r)
	registerApp(r, deps)
	return r
}

func registerApp(r chi.Router, deps AppDeps) {
	if deps.Fetcher == nil {
		deps.Fetcher = docs.NewFetcher(nil)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/clients", handleCreateClient(deps))
		r.Get("/clients", handleListClients(deps))
		r.Route("/clients/{clientID}", func(r chi.Router) {
			r.Get("/", handleGetClient(deps))
			r.Patch("/", handleUpdateClient(deps))
			r.Delete("/", handleDeleteClient(deps))

			r.Get("/analytics", handleAnalytics(deps))
			r.Get("/segments", handleSegments(deps))

			r.Get("/users", handleListUsers(deps))
			r.Get("/users/{phone}", handleGetUser(deps))
			r.Post("/users/{phone}/status", handleSetStatus(deps))
			r.Get("/users/{phone}/interactions", handleListInteractions(deps))

			r.Post("/documents", handleUploadDocument(deps))
			r.Get("/documents", handleListDocuments(deps))
			r.Delete("/documents/{id}", handleDeleteDocument(deps))
		})
	})
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"status":  "ok",
			"clients": len(deps.Clients.List()),
		}
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if _, err := deps.Health.ListModels(ctx); err != nil {
				resp["llm"] = "unreachable: " + err.Error()
			} else {
				resp["llm"] = "ok"
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// --- Clients ---

func clientError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, clients.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "client not found")
	case errors.Is(err, clients.ErrAlreadyExists):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, clients.ErrInvalid):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func handleCreateClient(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req clients.Create
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		c, err := deps.Clients.Create(req)
		if err != nil {
			clientError(w, err)
			return
		}
		deps.Logger.Info("client created", "client_id", c.ClientID)
		writeJSON(w, http.StatusCreated, c)
	}
}

func handleListClients(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Clients.List())
	}
}

func handleGetClient(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Clients.Get(chi.URLParam(r, "clientID"))
		if err != nil {
			clientError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleUpdateClient(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req clients.Update
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		c, err := deps.Clients.Update(chi.URLParam(r, "clientID"), req)
		if err != nil {
			clientError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleDeleteClient(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "clientID")
		if err := deps.Clients.Delete(id); err != nil {
			clientError(w, err)
			return
		}
		deps.Analytics.Invalidate(id)
		deps.Logger.Info("client deleted", "client_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// --- Analytics and users ---

// knownClient reports whether id is a registered client or has profiles.
// The default client may serve traffic without being registered.
func knownClient(deps AppDeps, id string) bool {
	if _, err := deps.Clients.Get(id); err == nil {
		return true
	}
	return slices.Contains(deps.Profiles.Clients(), id)
}

func handleAnalytics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "clientID")
		if !knownClient(deps, id) {
			httpError(w, http.StatusNotFound, "not_found", "client not found")
			return
		}
		writeJSON(w, http.StatusOK, deps.Analytics.ClientReport(id))
	}
}

func handleSegments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "clientID")
		if !knownClient(deps, id) {
			httpError(w, http.StatusNotFound, "not_found", "client not found")
			return
		}
		writeJSON(w, http.StatusOK, deps.Analytics.ClientSegments(id))
	}
}

func handleListUsers(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "clientID")
		if !knownClient(deps, id) {
			httpError(w, http.StatusNotFound, "not_found", "client not found")
			return
		}

		users := deps.Profiles.List(id)
		if s := r.URL.Query().Get("status"); s != "" {
			status, err := scoring.ParseStatus(s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			users = slices.DeleteFunc(users, func(p profile.UserProfile) bool {
				return p.QualificationStatus != status
			})
		}
		writeJSON(w, http.StatusOK, users)
	}
}

// phoneParam returns the {phone} segment. A leading plus may arrive encoded.
func phoneParam(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "phone"))
}

func handleGetUser(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phone, err := phoneParam(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid phone: %v", err)
			return
		}
		p, err := deps.Profiles.Get(chi.URLParam(r, "clientID"), phone)
		if errors.Is(err, profile.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get user: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func handleSetStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		status, err := scoring.ParseStatus(req.Status)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		phone, err := phoneParam(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid phone: %v", err)
			return
		}

		clientID := chi.URLParam(r, "clientID")
		p, err := deps.Profiles.SetStatus(clientID, phone, status)
		if errors.Is(err, profile.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to set status: %v", err)
			return
		}
		deps.Analytics.Invalidate(clientID)
		deps.Logger.Info("qualification status set", "client_id", clientID, "user_id", phone, "status", status)
		writeJSON(w, http.StatusOK, p)
	}
}

type interactionView struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Response  string    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
}

func handleListInteractions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phone, err := phoneParam(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid phone: %v", err)
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		rows, err := deps.Store.ListInteractions(chi.URLParam(r, "clientID"), phone, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}

		out := make([]interactionView, len(rows))
		for i, ix := range rows {
			out[i] = interactionView{ID: ix.ID, Message: ix.Message, Response: ix.Response, CreatedAt: ix.CreatedAt}
		}
		writeJSON(w, http.StatusOK, out)
	}
}
