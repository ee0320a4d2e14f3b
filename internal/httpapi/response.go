package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tcmigrate/tcmigrate/internal/coordinator"
	"github.com/tcmigrate/tcmigrate/internal/errclass"
)

type apiError struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	writeJSON(w, statusCode, map[string]any{
		"status": "success",
		"data":   data,
	})
}

func writeMessage(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]any{
		"status":  "success",
		"message": message,
	})
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, apiError{
		Status:  "error",
		Code:    code,
		Message: message,
	})
}

// mapError translates coordinator failures to HTTP semantics.
func mapError(err error) (int, string) {
	if errors.Is(err, coordinator.ErrUnknownJob) {
		return http.StatusNotFound, "not_found"
	}
	switch errclass.KindOf(err) {
	case errclass.KindValidation, errclass.KindTransformation:
		return http.StatusBadRequest, "validation_error"
	case errclass.KindAuth:
		return http.StatusUnauthorized, "auth_error"
	case errclass.KindRateLimit:
		return http.StatusTooManyRequests, "rate_limited"
	case errclass.KindConnection, errclass.KindCircuitOpen:
		return http.StatusServiceUnavailable, "upstream_unavailable"
	case errclass.KindTimeout:
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errclass.KindCancelled:
		return http.StatusConflict, "cancelled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code := mapError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeError(w, status, code, msg)
}
