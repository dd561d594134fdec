// Package httpjson holds the JSON request and response helpers shared by the
// server API and the agent API.
package httpjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"brewlog/internal/apperrors"
)

const maxBodyBytes = 1 << 20

// ErrorBody is the JSON error envelope of both HTTP surfaces.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Field string `json:"field,omitempty"`
}

// Write encodes v with status.
func Write(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

// Error writes err with the status its kind maps to. Internal errors are
// logged and their text is not exposed.
func Error(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := apperrors.HTTPStatus(err)
	body := ErrorBody{Error: err.Error(), Kind: string(apperrors.Classify(err))}

	var verr *apperrors.ValidationError
	if errors.As(err, &verr) {
		body.Error = verr.Message
		body.Field = verr.Field
	}

	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "status", status, "error", err)
		if status == http.StatusInternalServerError {
			body.Error = http.StatusText(status)
		}
	}
	Write(w, status, body)
}

// Decode reads a JSON body into v. A malformed body is a ValidationError.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Validation("body", "request body is empty")
		}
		return apperrors.Validation("body", fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}
