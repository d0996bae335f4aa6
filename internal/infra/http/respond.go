package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"payment-settlement/internal/domain"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Code  string `json:"code,omitempty"`
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var (
		verr *domain.ValidationError
		gerr *domain.GatewayError
		cerr *domain.ConfigurationError
	)
	switch {
	case errors.As(err, &verr), errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSignatureMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPaymentTerminal),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrAlreadyRefunded),
		errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrRequestInProgress):
		return http.StatusConflict
	case errors.As(err, &gerr):
		return http.StatusBadGateway
	case errors.As(err, &cerr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err; internal failures are logged and hidden from the client.
func writeError(w http.ResponseWriter, logger *zerolog.Logger, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error()}

	var (
		verr *domain.ValidationError
		gerr *domain.GatewayError
	)
	switch {
	case errors.As(err, &verr):
		body.Field = verr.Field
	case errors.As(err, &gerr):
		body.Code = gerr.Code
		body.Error = "payment gateway error: " + gerr.Message
	}
	if code >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", code).Msg("request failed")
		if code == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	writeJSON(w, code, body)
}

func formatSeconds(d time.Duration) string {
	return strconv.Itoa(int(d / time.Second))
}
