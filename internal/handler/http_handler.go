package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"

	"github.com/pesio-ai/be-approvals/internal/errors"
	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/middleware"
	"github.com/pesio-ai/be-approvals/internal/service"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// maxBodyBytes caps request bodies, payload included.
const maxBodyBytes = 1 << 20

// HealthFunc reports whether the backing store is reachable.
type HealthFunc func(ctx context.Context) error

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	workflow    *service.WorkflowService
	projections *service.Projections
	log         *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(workflow *service.WorkflowService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		workflow:    workflow,
		projections: service.NewProjections(workflow),
		log:         log,
	}
}

// RouterConfig carries the pieces of the router that live outside the handler.
type RouterConfig struct {
	Health         HealthFunc
	Metrics        http.Handler
	RequestTimeout time.Duration
}

// Router builds the full HTTP surface including middleware.
func (h *HTTPHandler) Router(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler { return middleware.Chain(h.log.Logger, next) })
	r.Use(middleware.Actor)
	if cfg.RequestTimeout > 0 {
		r.Use(chimw.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", h.health(cfg.Health))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/requests", func(r chi.Router) {
			r.Get("/", h.List)
			r.Post("/submit", h.Submit)
			r.Post("/decide", h.Decide)
			r.Post("/finalize", h.Finalize)
			r.Get("/{id}", h.Get)
			r.Get("/{id}/history", h.History)
			r.Get("/{id}/actions", h.AllowedActions)
		})
		r.Get("/views", h.ListViews)
		r.Get("/views/{name}", h.View)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody("not_found", "route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody("validation", "method not allowed"))
	})
	return r
}

// Submit handles submit HTTP requests
func (h *HTTPHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Requester = actor(r)

	rec, err := h.workflow.Submit(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Decide handles approve, reject and claim_review HTTP requests
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req service.DecideRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Actor = actor(r)

	rec, err := h.workflow.Decide(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Finalize handles sign HTTP requests
func (h *HTTPHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	var req service.FinalizeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Actor = actor(r)

	rec, err := h.workflow.Finalize(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Get handles get request HTTP requests
func (h *HTTPHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// History handles history HTTP requests
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	hist, err := h.workflow.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": hist})
}

// AllowedActions lists the actions a reviewer may take next.
func (h *HTTPHandler) AllowedActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.workflow.AllowedActions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if actions == nil {
		actions = []workflow.Action{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

// List handles list HTTP requests
func (h *HTTPHandler) List(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.workflow.List(r.Context(), q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListViews returns the names of the registered views.
func (h *HTTPHandler) ListViews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"views": service.Views()})
}

// View runs a named projection.
func (h *HTTPHandler) View(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.projections.Query(r.Context(), chi.URLParam(r, "name"), *q)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTPHandler) health(check HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				hlog.FromRequest(r).Warn().Err(err).Msg("Health check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(middleware.ActorHeader))
}

func parseListQuery(r *http.Request) (*service.ListRequest, error) {
	v := r.URL.Query()
	q := &service.ListRequest{
		RequestType: v.Get("request_type"),
		Status:      v.Get("status"),
		Priority:    v.Get("priority"),
		Requester:   v.Get("requester"),
		Search:      v.Get("search"),
	}
	var err error
	if q.Page, err = intParam(v.Get("page"), "page"); err != nil {
		return nil, err
	}
	if q.Limit, err = intParam(v.Get("limit"), "limit"); err != nil {
		return nil, err
	}
	if q.From, err = timeParam(v.Get("from"), "from", false); err != nil {
		return nil, err
	}
	if q.To, err = timeParam(v.Get("to"), "to", true); err != nil {
		return nil, err
	}
	return q, nil
}

func intParam(s, name string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.InvalidInput(name, "must be a non-negative integer")
	}
	return n, nil
}

// timeParam accepts RFC 3339 timestamps or plain dates. A plain date used
// as an upper bound covers the whole day.
func timeParam(s, name string, endOfDay bool) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, errors.InvalidInput(name, "must be RFC 3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func errorBody(kind, message string) map[string]errorPayload {
	return map[string]errorPayload{"error": {Kind: kind, Message: message}}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	ev := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Str("kind", errors.Kind(err)).Msg("Request failed")

	msg := errors.Message(err)
	if errors.CodeOf(err) == errors.ErrCodeInternal {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody(errors.Kind(err), msg))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
