// Package apierr is the typed error taxonomy shared by every HTTP and
// push-socket handler. Each Error carries an HTTP status and a short,
// user-safe detail string; handlers pass any error to the single Write
// function, which translates it into the JSON envelope, replacing the
// teacher's ad hoc per-handler http.Error calls with one place that owns
// response shaping.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error is a taxonomy-classified, HTTP-status-bearing error.
type Error struct {
	Status int
	Detail string
	Kind   string
}

func (e *Error) Error() string {
	return e.Detail
}

func newErr(status int, kind, detail string) *Error {
	return &Error{Status: status, Detail: detail, Kind: kind}
}

// Auth (401): missing/invalid token, bad signature, expired, wrong typ.
func Auth(detail string) *Error { return newErr(http.StatusUnauthorized, "auth_error", detail) }

// Access (403): device mismatch, attestation required/failed, device revoked.
func Access(detail string) *Error { return newErr(http.StatusForbidden, "access_error", detail) }

// PaymentRequired (402): paywall triggered.
func PaymentRequired(detail string) *Error {
	return newErr(http.StatusPaymentRequired, "payment_required", detail)
}

// Blocked (423): device in blocked state.
func Blocked(detail string) *Error { return newErr(http.StatusLocked, "blocked", detail) }

// RateLimited (429): per-plan or per-socket rate ceiling.
func RateLimited(detail string) *Error {
	return newErr(http.StatusTooManyRequests, "rate_limited", detail)
}

// Integrity (401, webhook): HMAC mismatch.
func Integrity(detail string) *Error {
	return newErr(http.StatusUnauthorized, "integrity_error", detail)
}

// Unavailable (503): signing/verification key cannot be resolved.
func Unavailable(detail string) *Error {
	return newErr(http.StatusServiceUnavailable, "unavailable", detail)
}

// Internal (500): configuration missing at request time, or any
// unclassified failure.
func Internal(detail string) *Error {
	return newErr(http.StatusInternalServerError, "internal", detail)
}

type envelope struct {
	Detail string `json:"detail"`
}

// Write translates err into a JSON response. Non-*Error values are
// reported as 500 with a generic detail — no internal stack content is
// ever echoed to the client.
func Write(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = Internal("internal server error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	json.NewEncoder(w).Encode(envelope{Detail: apiErr.Detail})
}
