package server

import (
	"errors"
	"net/http"

	"github.com/hjanuschka/go-projections/internal/projection"
	"github.com/hjanuschka/go-projections/internal/scripting"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string       `json:"error"`
	Details *ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail locates a script failure.
type ErrorDetail struct {
	Kind   string `json:"kind"`
	Module string `json:"module,omitempty"`
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`
	Stack  string `json:"stack,omitempty"`
	Field  string `json:"field,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string, details *ErrorDetail) {
	writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}

// statusFor maps manager errors to HTTP statuses.
func statusFor(err error) (int, *ErrorDetail) {
	var se *scripting.Error
	var ve *projection.ValidationError
	switch {
	case errors.Is(err, projection.ErrProjectionNotFound), errors.Is(err, projection.ErrPartitionNotFound):
		return http.StatusNotFound, nil
	case errors.Is(err, projection.ErrProjectionExists),
		errors.Is(err, projection.ErrEventOutOfOrder),
		errors.Is(err, projection.ErrInvalidEmitOrder),
		errors.Is(err, projection.ErrProjectionClosed):
		return http.StatusConflict, nil
	case errors.As(err, &ve):
		return http.StatusBadRequest, &ErrorDetail{Kind: "validation", Field: ve.Field}
	case errors.As(err, &se):
		return http.StatusUnprocessableEntity, &ErrorDetail{
			Kind:   se.Kind.String(),
			Module: se.Module,
			File:   se.File,
			Line:   se.Line,
			Column: se.Column,
			Stack:  se.Stack,
		}
	case errors.Is(err, projection.ErrNotAProjection):
		return http.StatusUnprocessableEntity, nil
	}
	return http.StatusInternalServerError, nil
}

func (s *Server) writeManagerError(w http.ResponseWriter, r *http.Request, err error) {
	status, details := statusFor(err)
	if status == http.StatusInternalServerError {
		s.metrics.RecordError("api", err.Error())
		s.logger.Error("Request failed", map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err.Error(),
		})
	}
	writeError(w, status, err.Error(), details)
}
