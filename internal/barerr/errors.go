// Package barerr defines the closed set of failures a container redemption can
// end in. Every engine in this module returns one of these (possibly wrapped),
// so the route layer can map outcomes to responses without string matching.
package barerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrFormat is returned for a malformed envelope or an unknown format version.
	ErrFormat = errors.New("invalid container format")
	// ErrTamperDetected means the integrity tag did not verify. Treat as a security event.
	ErrTamperDetected = errors.New("container integrity check failed: possible tampering")
	// ErrPasswordRequired means the container is password protected and no password was supplied.
	ErrPasswordRequired = errors.New("password required")
	// ErrInvalidCredential means the supplied password did not match.
	ErrInvalidCredential = errors.New("invalid password")
	// ErrDecryptionFailed means authenticated decryption rejected the ciphertext.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrIntegrityMismatch means decryption succeeded but the plaintext hash is wrong.
	// It is unreachable when the integrity tag verified and indicates an internal defect.
	ErrIntegrityMismatch = errors.New("content hash mismatch after decryption")
	ErrExpired           = errors.New("container has expired")
	ErrExhausted         = errors.New("maximum views reached")
	ErrNotFound          = errors.New("container not found or already destroyed")
	ErrLockedOut         = errors.New("too many failed password attempts")
	// ErrInvalidInput rejects seal parameters before any work is done.
	ErrInvalidInput = errors.New("invalid input")
)

// Kind is a stable, loggable name for an error class.
type Kind string

const (
	KindNone              Kind = ""
	KindFormat            Kind = "format_error"
	KindTamperDetected    Kind = "tamper_detected"
	KindPasswordRequired  Kind = "password_required"
	KindInvalidCredential Kind = "invalid_credential"
	KindDecryptionFailed  Kind = "decryption_failed"
	KindIntegrityMismatch Kind = "integrity_mismatch"
	KindExpired           Kind = "expired"
	KindExhausted         Kind = "exhausted"
	KindNotFound          Kind = "not_found"
	KindLockedOut         Kind = "locked_out"
	KindInvalidInput      Kind = "invalid_input"
	KindInternal          Kind = "internal"
)

var kinds = []struct {
	err    error
	kind   Kind
	status int
}{
	{ErrFormat, KindFormat, http.StatusBadRequest},
	{ErrTamperDetected, KindTamperDetected, http.StatusUnprocessableEntity},
	{ErrPasswordRequired, KindPasswordRequired, http.StatusUnauthorized},
	{ErrInvalidCredential, KindInvalidCredential, http.StatusForbidden},
	{ErrDecryptionFailed, KindDecryptionFailed, http.StatusUnprocessableEntity},
	{ErrIntegrityMismatch, KindIntegrityMismatch, http.StatusInternalServerError},
	{ErrExpired, KindExpired, http.StatusGone},
	{ErrExhausted, KindExhausted, http.StatusGone},
	{ErrNotFound, KindNotFound, http.StatusNotFound},
	{ErrLockedOut, KindLockedOut, http.StatusTooManyRequests},
	{ErrInvalidInput, KindInvalidInput, http.StatusBadRequest},
}

// KindOf classifies err. Unknown non-nil errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// HTTPStatus maps err to the status code the route layer should answer with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// IsSecurityEvent reports whether err should trigger caller-side alerting:
// tampering, a content hash mismatch, or any error marked with
// MarkSecurityEvent.
func IsSecurityEvent(err error) bool {
	switch KindOf(err) {
	case KindTamperDetected, KindIntegrityMismatch:
		return true
	}
	var se *securityEvent
	return errors.As(err, &se)
}

// MarkSecurityEvent flags err for alerting without changing its Kind. Used
// when a failure cannot be explained by a wrong password, such as a
// decryption failure after the credential or integrity tag verified.
func MarkSecurityEvent(err error) error {
	if err == nil {
		return nil
	}
	return &securityEvent{err: err}
}

type securityEvent struct{ err error }

func (e *securityEvent) Error() string { return e.err.Error() }
func (e *securityEvent) Unwrap() error { return e.err }

// LockoutError carries how long the caller must wait before retrying.
type LockoutError struct {
	Failures   int
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("%s: %d failures, retry in %s", ErrLockedOut, e.Failures, e.RetryAfter.Round(time.Second))
}

func (e *LockoutError) Unwrap() error { return ErrLockedOut }
