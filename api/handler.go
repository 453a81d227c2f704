// Package api provides the management HTTP API for webhook subscriptions.
//
// The caller's identity is taken from the X-Owner-ID header. Every route is
// scoped to that owner.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog"
	"github.com/google/uuid"

	"github.com/xraph/webhooks"
	"github.com/xraph/webhooks/subscription"
)

// OwnerHeader carries the owner identity on every request.
const OwnerHeader = "X-Owner-ID"

// Handler is the root HTTP handler for the management API.
type Handler struct {
	dispatcher *webhooks.Dispatcher
	logger     *slog.Logger
	router     chi.Router
}

// NewHandler creates a new management API handler.
func NewHandler(d *webhooks.Dispatcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		dispatcher: d,
		logger:     logger,
	}
	h.router = h.routes()
	return h
}

func (h *Handler) routes() chi.Router {
	reqLogger := httplog.NewLogger("webhooks-api", httplog.Options{
		JSON: true,
	})

	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(reqLogger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.health)

	r.Group(func(r chi.Router) {
		r.Use(requireOwner)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", h.createSubscription)
			r.Get("/", h.listSubscriptions)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getSubscription)
				r.Patch("/", h.updateSubscription)
				r.Delete("/", h.deleteSubscription)
				r.Post("/secret", h.regenerateSecret)
				r.Post("/pause", h.pauseSubscription)
				r.Post("/resume", h.resumeSubscription)
				r.Post("/test", h.sendTest)
				r.Get("/deliveries", h.listDeliveries)
			})
		})

		r.Get("/deliveries/{id}", h.getDelivery)
		r.Post("/events", h.triggerEvent)
		r.Post("/retries", h.retryDue)
		r.Get("/event-types", h.listEventTypes)
		r.Get("/stats", h.getStats)
	})

	return r
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.dispatcher.Store().Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ─── Owner scoping ───────────────────────────────────

type ownerKey struct{}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			writeError(w, http.StatusUnauthorized, OwnerHeader+" header is required")
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey{}, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

// ─── Errors ──────────────────────────────────────────

// writeServiceError maps engine errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *subscription.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, webhooks.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, "subscription not found")
	case errors.Is(err, webhooks.ErrDeliveryNotFound):
		writeError(w, http.StatusNotFound, "delivery not found")
	case errors.Is(err, webhooks.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, webhooks.ErrPayloadValidationFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, webhooks.ErrEventTypeRequired), errors.Is(err, webhooks.ErrOwnerRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "api request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// ─── JSON helpers ────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best effort
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// pathID parses the {id} URL parameter.
func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}

// queryInt returns a non-negative query parameter as int or a default value.
func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// page is a paginated list response.
type page[T any] struct {
	Items  []T   `json:"items"`
	Total  int64 `json:"total"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
}
