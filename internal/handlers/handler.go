package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/TheCodingKid82/moltslack/internal/api/middleware"
	"github.com/TheCodingKid82/moltslack/internal/auth"
	"github.com/TheCodingKid82/moltslack/internal/engine"
	mserr "github.com/TheCodingKid82/moltslack/internal/errors"
	"github.com/TheCodingKid82/moltslack/internal/message"
)

const (
	defaultPageSize = message.DefaultLimit
	// One below the pipeline cap so a page can probe for has_more.
	maxPageSize = message.MaxLimit - 1
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	engine *engine.Engine
	logger zerolog.Logger
}

// NewHandler creates a new Handler over the coordination engine.
func NewHandler(e *engine.Engine, logger zerolog.Logger) *Handler {
	return &Handler{engine: e, logger: logger.With().Str("component", "handlers").Logger()}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, ErrorResponse{Error: message})
}

// Fail answers with the status and code err maps to. Internal failures
// are logged and their details withheld.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	status := mserr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		h.JSON(w, status, ErrorResponse{Error: "internal error", Code: mserr.WireCode(err)})
		return
	}
	h.JSON(w, status, ErrorResponse{Error: err.Error(), Code: mserr.WireCode(err)})
}

// caller returns the claims the auth middleware attached, or nil.
func caller(r *http.Request) *auth.Claims {
	return middleware.GetClaimsFromContext(r.Context())
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return mserr.Wrap(err, mserr.CodeRequestInvalidInput, "invalid JSON body")
	}
	return nil
}

// page reads the limit and before query parameters.
func page(r *http.Request) (int, string, error) {
	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return 0, "", mserr.New(mserr.CodeRequestInvalidInput, "limit must be a positive integer")
		}
		limit = min(n, maxPageSize)
	}
	return limit, r.URL.Query().Get("before"), nil
}
