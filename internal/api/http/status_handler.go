// internal/api/http/status_handler.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"verifier-dispatch/internal/domain"
	"verifier-dispatch/internal/metrics"
	"verifier-dispatch/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StatusHandler serves the read-only operator endpoints.
type StatusHandler struct {
	service  *usecase.StatusService
	ping     func(ctx context.Context) error
	active   func() bool
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

// NewStatusHandler creates a new StatusHandler. ping checks the coordination
// store, active reports whether this node runs the dispatcher; either may be nil.
func NewStatusHandler(service *usecase.StatusService, ping func(ctx context.Context) error, active func() bool, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		service:  service,
		ping:     ping,
		active:   active,
		logger:   logger.With("component", "status-handler"),
		validate: validator.New(),
		tracer:   otel.Tracer("verifier-dispatch-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the operator routes to the http.ServeMux.
func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/stats", h.instrument("/stats", h.handleStats))
	mux.Handle("/deadletters", h.instrument("/deadletters", h.handleDeadLetters))
	mux.Handle("/outcomes/", h.instrument("/outcomes/{id}", h.handleOutcome))
	mux.Handle("/healthz", h.instrument("/healthz", h.handleHealth))
}

func (h *StatusHandler) instrument(path string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+r.Method+" "+path, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		r = r.WithContext(ctx)

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		if r.Method != http.MethodGet {
			http.Error(iw, "Method not allowed", http.StatusMethodNotAllowed)
		} else {
			next.ServeHTTP(iw, r)
		}

		metrics.HttpRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

// handleStats handles GET /stats
func (h *StatusHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.service.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("error reading stats", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// handleDeadLetters handles GET /deadletters?limit=N
func (h *StatusHandler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	query, err := parseDeadLettersQuery(r.URL.Query().Get("limit"))
	if err == nil {
		err = h.validate.Struct(query)
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, &ErrorResponse{
			Error:   "Validation failed",
			Details: validationDetails(err),
		})
		return
	}

	records, err := h.service.DeadLetters(r.Context(), query.Limit)
	if err != nil {
		h.logger.Error("error listing dead letters", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, &DeadLettersResponse{Count: len(records), Records: records})
}

// handleOutcome handles GET /outcomes/{id}
func (h *StatusHandler) handleOutcome(w http.ResponseWriter, r *http.Request) {
	taskID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/outcomes/"), "/")
	if taskID == "" || strings.Contains(taskID, "/") {
		http.NotFound(w, r)
		return
	}

	outcome, err := h.service.Outcome(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, &ErrorResponse{Error: "no outcome recorded for " + taskID})
			return
		}
		h.logger.Error("error reading outcome", "task_id", taskID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleHealth handles GET /healthz
func (h *StatusHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := &HealthResponse{Status: "ok"}
	if h.active != nil {
		resp.Dispatcher = h.active()
	}
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			resp.Status = "unavailable"
			resp.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func validationDetails(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(verrs))
	for _, e := range verrs {
		details = append(details, "Field '"+e.Field()+"' failed on the '"+e.Tag()+"' tag.")
	}
	return details
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
