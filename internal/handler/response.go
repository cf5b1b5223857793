package handler

// RESPONSE HELPERS:
// Every JSON body this package writes goes through writeJSON, and every
// failure through writeError, so the wire shape stays the same on all routes:
//
//	{"error": "not_found", "message": "user not found with id gh-42"}
//	{"error": "validation_error", "message": "cursor does not match the search term", "field": "cursor"}
//
// The frontend switches on "error"; "message" is for humans.

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/auth"
)

// maxBodyBytes bounds request bodies. The largest legitimate body is a
// 4000-rune message, which fits with plenty of room.
const maxBodyBytes = 64 << 10

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // machine-readable class, e.g. "not_found"
	Message string `json:"message"`         // human-readable description
	Field   string `json:"field,omitempty"` // offending input, for validation errors
}

// writeJSON sends data as JSON with the given status code.
//
// HEADER ORDER MATTERS: headers and status must be set before the first
// body byte; after that they are silently ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := sonic.ConfigDefault.NewEncoder(w).Encode(data); err != nil {
			// Headers are already out; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// decodeJSON reads a JSON request body into dst. Any failure is a
// validation error, so callers can hand it straight to writeError.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := sonic.ConfigDefault.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return apperror.ValidationFailed("body", "request body too large")
		case errors.Is(err, io.EOF):
			return apperror.ValidationFailed("body", "request body is empty")
		default:
			return apperror.ValidationFailed("body", "request body is not valid JSON")
		}
	}
	return nil
}

// statusFor maps an error class to its HTTP status and wire name.
//
// The service layer never sees HTTP. This is the only place that knows
// ErrNotFound means 404.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, apperror.ErrFailedPrecondition):
		return http.StatusPreconditionFailed, "failed_precondition"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError maps a domain error to the appropriate HTTP status code and
// sends it.
//
// errors.As pulls the *AppError out of any fmt.Errorf("...: %w") wrapping
// the services added, so its Message (not the wrapped chain) is what the
// client sees. Errors that are not *AppError never leak their text: it may
// hold SQL, file paths or other internals.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status, errorType := statusFor(err)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Message,
			Field:   appErr.Field,
		})
		return
	}

	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}

// logFailure logs err at a level matching its class: client mistakes are
// not server problems.
func logFailure(logger *slog.Logger, msg string, err error, attrs ...any) {
	status, _ := statusFor(err)
	attrs = append(attrs, slog.String("error", err.Error()))
	switch {
	case status == http.StatusServiceUnavailable:
		logger.Warn(msg, attrs...)
	case status >= http.StatusInternalServerError:
		logger.Error(msg, attrs...)
	default:
		logger.Debug(msg, attrs...)
	}
}

// actorFrom returns the authenticated uid. Routes are mounted behind
// auth.RequireAuth, so a miss means the router was wired wrongly; it is
// still answered with 401 rather than a panic.
func actorFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error:   "unauthorized",
			Message: "valid authentication required",
		})
		return "", false
	}
	return uid, true
}
