package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/evalcore/orchestrator/pkg/apperrors"
)

// errorBody is the structured error body spec §7 requires:
// {error_kind, message, details?}.
type errorBody struct {
	ErrorKind     string `json:"error_kind"`
	Message       string `json:"message"`
	Details       string `json:"details,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// statusForKind maps a taxonomy Kind to the HTTP status spec §7 assigns it.
// Adapted from the teacher's mapServiceError for Gin instead of Echo.
func statusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.Invalid, apperrors.BadRequest:
		return http.StatusUnprocessableEntity
	case apperrors.NotFound:
		return http.StatusNotFound
	case apperrors.Forbidden, apperrors.AuthFailed:
		return http.StatusForbidden
	case apperrors.Conflict:
		return http.StatusConflict
	case apperrors.StaleVersion:
		return http.StatusConflict
	case apperrors.IllegalTransition:
		return http.StatusConflict
	case apperrors.Timeout:
		return http.StatusGatewayTimeout
	case apperrors.RateLimited:
		return http.StatusTooManyRequests
	case apperrors.CircuitOpen:
		return http.StatusServiceUnavailable
	case apperrors.Cancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the structured error body for err and aborts the
// request. Unknown errors are classified Internal, logged with a
// correlation id, and never leak a stack trace to the caller, per spec §7's
// "no stack traces" rule.
func respondError(c *gin.Context, err error) {
	kind := apperrors.KindOf(err)
	status := statusForKind(kind)

	body := errorBody{ErrorKind: string(kind), Message: err.Error()}
	if appErr, ok := err.(*apperrors.Error); ok && appErr.Field != "" {
		body.Details = appErr.Field
	}

	if kind == apperrors.Internal {
		correlationID := uuid.NewString()
		body.CorrelationID = correlationID
		body.Message = "internal error"
		slog.Error("unhandled internal error", "error", err, "correlation_id", correlationID)
	}

	c.AbortWithStatusJSON(status, body)
}
