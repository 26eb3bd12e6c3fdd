package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/recognition-engine/domain"
)

// ErrorResponse is the body of every non-2xx response. Detail is a string,
// or a list of domain.ValidationIssue for validation failures.
type ErrorResponse struct {
	Detail any `json:"detail"`
}

// statusFor maps a domain error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, domain.ErrInsufficientPoints),
		errors.Is(err, domain.ErrOutOfStock),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError renders err. Internal errors are logged and replaced by a
// generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		loggerFrom(r.Context()).Error("request failed", zap.Error(err))
		writeJSON(w, status, ErrorResponse{Detail: "Internal server error"})
		return
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, status, ErrorResponse{Detail: verr.Issues})
		return
	}
	writeJSON(w, status, ErrorResponse{Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decode reads a JSON body into dst. Unknown fields are ignored.
func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.Invalid("body", "Invalid request body: %v", err)
	}
	return nil
}
