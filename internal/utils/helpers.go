// Package utils holds small HTTP helpers shared by the handler packages.
package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	apierrors "github.com/themegpt/themegpt/internal/errors"
	"github.com/themegpt/themegpt/internal/logging"
)

// MaxJSONBodyBytes bounds every JSON request body.
const MaxJSONBodyBytes = 64 << 10

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// WriteJSONResponse writes data as a 200 JSON response.
func WriteJSONResponse(w http.ResponseWriter, data interface{}) error {
	return WriteJSONStatus(w, http.StatusOK, data)
}

// WriteJSONStatus writes data as JSON with the given status code.
func WriteJSONStatus(w http.ResponseWriter, status int, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(jsonData)
	return err
}

// WriteErrorResponse writes the standard error envelope.
func WriteErrorResponse(w http.ResponseWriter, status int, code, message string) {
	_ = WriteJSONStatus(w, status, ErrorResponse{Error: code, Message: message})
}

// WriteError maps err onto a status code and safe message. Internal errors
// are logged with their cause; the client only sees the generic pair.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := apierrors.HTTPStatus(err)
	reason, message := apierrors.Public(err)
	resp := ErrorResponse{Error: reason, Message: message}

	var e *apierrors.Error
	if errors.As(err, &e) && e.Kind == apierrors.KindRateLimited {
		secs := int((e.RetryAfter + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		resp.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	_ = WriteJSONStatus(w, status, resp)
}

// DecodeJSONBody reads a bounded JSON body into dst. Malformed or oversized
// bodies are validation errors.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apierrors.Validation("decode", "body_too_large", "Request body too large")
		}
		if errors.Is(err, io.EOF) {
			return apierrors.Validation("decode", "invalid_request", "Request body is required")
		}
		return apierrors.Wrap(apierrors.KindValidation, "decode", "invalid_request",
			"Invalid request payload", fmt.Errorf("decode json: %w", err))
	}
	return nil
}
