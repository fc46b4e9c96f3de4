package controller

import (
	"errors"
	"net/http"

	"github.com/eclipsemd/botdeck/pkg/apperr"
	"github.com/eclipsemd/botdeck/pkg/db"
	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}

// statusOf maps an error kind to the HTTP status the UI expects.
func statusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInsufficientFunds, apperr.KindInvalidArgument, apperr.KindInvalidState, apperr.KindConflict:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindProviderUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err as {message, kind}. Internal causes are logged, never echoed.
func (c *Controller) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusOf(kind)
	if status >= http.StatusInternalServerError {
		c.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]string{
		"message": apperr.Message(err),
		"kind":    string(kind),
	})
}

// decode reads a JSON body into v, answering 400 itself on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"message": "invalid request body",
			"kind":    string(apperr.KindInvalidArgument),
		})
		return false
	}
	return true
}

// notFoundAs replaces a store miss with substitute.
func notFoundAs(err error, substitute error) error {
	if errors.Is(err, db.ErrNotFound) {
		return substitute
	}
	return err
}
