package cloudrun

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/openfroyo/instanced/pkg/engine"
)

// classify maps a Google API failure onto the engine error taxonomy.
func classify(op, resource string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError(op+" timed out", err).
			WithCode(engine.ErrCodeTimeout).
			WithResource(resource).
			WithOperation(op)
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return engine.NewTransientError(op+" failed", err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(resource).
			WithOperation(op)
	}

	msg := fmt.Sprintf("%s failed (HTTP %d)", op, gerr.Code)
	if gerr.Message != "" {
		msg += ": " + gerr.Message
	}

	var e *engine.EngineError
	switch gerr.Code {
	case http.StatusNotFound:
		e = engine.ErrResourceNotFound.Wrap(err)
	case http.StatusUnauthorized, http.StatusForbidden:
		e = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodePermissionDenied)
	case http.StatusConflict:
		e = engine.NewConflictError(msg, err).WithCode(engine.ErrCodeAlreadyExists)
	case http.StatusTooManyRequests:
		code := engine.ErrCodeRateLimited
		if isQuota(gerr) {
			code = engine.ErrCodeQuotaExceeded
		}
		e = engine.NewThrottledError(msg, err).WithCode(code)
	case http.StatusBadRequest:
		e = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeValidation)
	default:
		if gerr.Code >= 500 {
			e = engine.NewTransientError(msg, err).WithCode(engine.ErrCodeProviderFailed)
		} else {
			e = engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeProviderFailed)
		}
	}
	return e.WithResource(resource).WithOperation(op).WithDetail("http_status", gerr.Code)
}

func isQuota(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if item.Reason == "quotaExceeded" {
			return true
		}
	}
	return strings.Contains(strings.ToLower(gerr.Message), "quota")
}
