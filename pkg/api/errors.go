package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openfroyo/instanced/pkg/engine"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string                 `json:"code"`
	Class   string                 `json:"class,omitempty"`
	Message string                 `json:"message"`
	Field   string                 `json:"field,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// statusFor maps an engine error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case engine.ErrCodeValidation:
		return http.StatusBadRequest
	case engine.ErrCodePermissionDenied, engine.ErrCodePolicyDenied,
		engine.ErrCodeLimitExceeded, engine.ErrCodeQuotaExceeded:
		return http.StatusForbidden
	case engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeAlreadyExists, engine.ErrCodeConflict:
		return http.StatusConflict
	case engine.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case engine.ErrCodeProviderFailed, engine.ErrCodeUnreachable, engine.ErrCodeUnauthorized,
		engine.ErrCodeForeignEndpoint, engine.ErrCodeRejected:
		return http.StatusBadGateway
	case engine.ErrCodeQueueFull, engine.ErrCodeTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError writes err as an error response. Nothing is written once
// the client is gone.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	ee, ok := engine.AsEngineError(err)
	if !ok {
		if r.Context().Err() != nil && errors.Is(err, r.Context().Err()) {
			return
		}
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Unclassified error")
		writeError(w, http.StatusInternalServerError, errorDetail{Code: engine.ErrCodeInternal, Message: "internal error"})
		return
	}

	status := statusFor(ee.Code)
	s.metrics.RecordError(string(ee.Class), ee.Code)
	detail := errorDetail{
		Code:    ee.Code,
		Class:   string(ee.Class),
		Message: ee.Message,
		Field:   ee.Field,
		Details: ee.Details,
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Str("code", ee.Code).Msg("Request failed")
		if status == http.StatusInternalServerError {
			detail.Details = nil
		}
	}
	writeError(w, status, detail)
}

func writeError(w http.ResponseWriter, status int, detail errorDetail) {
	writeJSON(w, status, errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
