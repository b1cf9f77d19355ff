package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperr "github.com/skylight-sec/skylight/internal/errors"
)

// errorEnvelope is the stable error shape every handler returns.
type errorEnvelope struct {
	Success bool        `json:"success"`
	Error   apperr.Kind `json:"error"`
	Message string      `json:"message"`
	Details any         `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("response encoding failed")
	}
}

// writeError maps any error onto the taxonomy envelope. Internal errors are
// logged with a correlation id and returned without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	env := errorEnvelope{Error: kind, Message: err.Error()}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		if appErr.Resource != "" {
			env.Details = map[string]string{"resource": appErr.Resource}
		}
		if appErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", appErr.RetryAfter.Round(time.Second).String())
		}
	}

	if kind == apperr.KindInternal {
		correlationID := uuid.NewString()
		log.Error().
			Err(err).
			Str("correlationId", correlationID).
			Str("path", r.URL.Path).
			Msg("request failed")
		env.Message = "internal error"
		env.Details = map[string]string{"correlationId": correlationID}
	}

	writeJSON(w, status, env)
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Newf(apperr.KindValidationFailed, "api.decode", "malformed request body: %v", err)
	}
	return nil
}
