package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestErrorIsMatchesKindSentinels(t *testing.T) {
	cases := []struct {
		err    *Error
		target error
	}{
		{Validation("op", "bad_request", "Bad"), ErrValidation},
		{Auth("op", "invalid_token", "Invalid or expired token"), ErrAuth},
		{Forbidden("op", "no_access", "No access"), ErrForbidden},
		{NotFound("op", "license_not_found", "Not found"), ErrNotFound},
		{Conflict("op", "already_linked", "Linked"), ErrConflict},
		{RateLimited("op", time.Second), ErrRateLimited},
		{Internal("op", fmt.Errorf("disk full")), ErrInternal},
	}

	for _, tc := range cases {
		if !errors.Is(tc.err, tc.target) {
			t.Errorf("errors.Is(%v, %v) = false, want true", tc.err, tc.target)
		}
		if errors.Is(tc.err, ErrConflict) && tc.target != ErrConflict {
			t.Errorf("%v unexpectedly matched ErrConflict", tc.err)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[int]error{
		http.StatusBadRequest:          Validation("op", "r", "m"),
		http.StatusUnauthorized:        Auth("op", "r", "m"),
		http.StatusForbidden:           Forbidden("op", "r", "m"),
		http.StatusNotFound:            NotFound("op", "r", "m"),
		http.StatusConflict:            Conflict("op", "r", "m"),
		http.StatusTooManyRequests:     RateLimited("op", time.Second),
		http.StatusInternalServerError: fmt.Errorf("plain"),
	}
	for want, err := range cases {
		if got := HTTPStatus(err); got != want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestHTTPStatusSeesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("handler: %w", Conflict("link.confirm", "already_linked", "License already linked"))
	if got := HTTPStatus(err); got != http.StatusConflict {
		t.Fatalf("HTTPStatus = %d, want %d", got, http.StatusConflict)
	}
}

func TestPublicNeverLeaksInternalDetail(t *testing.T) {
	reason, message := Public(Internal("store.get", fmt.Errorf("sqlite: database is locked")))
	if reason != "internal_error" || message != "Internal server error" {
		t.Fatalf("Public = (%q, %q), want generic internal pair", reason, message)
	}

	reason, message = Public(Auth("link.confirm", "invalid_token", "Invalid or expired token"))
	if reason != "invalid_token" || message != "Invalid or expired token" {
		t.Fatalf("Public = (%q, %q)", reason, message)
	}
}
