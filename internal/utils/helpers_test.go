package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/themegpt/themegpt/internal/errors"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestWriteErrorHidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sync", nil)
	WriteError(rec, req, apierrors.Internal("store.get", fmt.Errorf("sqlite: disk I/O error")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "internal_error", resp.Error)
	assert.NotContains(t, resp.Message, "sqlite")
}

func TestWriteErrorRateLimited(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	WriteError(rec, req, apierrors.RateLimited("check", 1500*time.Millisecond))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, 2, decodeError(t, rec).RetryAfter)
}

func TestWriteErrorConflict(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/link/confirm", nil)
	WriteError(rec, req, apierrors.Conflict("link.confirm", "already_linked", "License already linked"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, ErrorResponse{Error: "already_linked", Message: "License already linked"}, decodeError(t, rec))
}

func TestDecodeJSONBody(t *testing.T) {
	var dst struct {
		LicenseKey string `json:"licenseKey"`
	}

	req := httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader(`{"licenseKey":"KEY-1"}`))
	require.NoError(t, DecodeJSONBody(httptest.NewRecorder(), req, &dst))
	assert.Equal(t, "KEY-1", dst.LicenseKey)

	req = httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader(`{"licenseKey":`))
	err := DecodeJSONBody(httptest.NewRecorder(), req, &dst)
	assert.ErrorIs(t, err, apierrors.ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader(""))
	err = DecodeJSONBody(httptest.NewRecorder(), req, &dst)
	assert.ErrorIs(t, err, apierrors.ErrValidation)

	big := `{"licenseKey":"` + strings.Repeat("x", MaxJSONBodyBytes) + `"}`
	req = httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader(big))
	err = DecodeJSONBody(httptest.NewRecorder(), req, &dst)
	reason, _ := apierrors.Public(err)
	assert.Equal(t, "body_too_large", reason)
}
