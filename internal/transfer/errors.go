package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind is the error-kind taxonomy from spec §7.
type Kind string

const (
	KindParameter  Kind = "parameter"
	KindPermission Kind = "permission"
	KindFile       Kind = "file"
	KindTransient  Kind = "transient_network"
	KindHTTP       Kind = "http"
	KindSecurity   Kind = "security"
	KindService    Kind = "service"
	KindCancel     Kind = "cancel"
)

// Error carries a Kind alongside the wrapped cause, satisfying errors.Is/As
// so callers can classify failures without string matching.
type Error struct {
	Kind    Kind
	Status  int // HTTP status, when meaningful
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, status int, msg string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Message: msg, Cause: cause}
}

// ErrLinkExpired marks a 403 response, which the scheduler treats as
// needing a fresh URL/token rather than a plain retry.
var ErrLinkExpired = errors.New("transfer: link expired or access denied (403)")

// Outcome is the result of classifying one attempt (spec §4.3's outcome
// table): either the attempt succeeded, should be retried (transient), or
// is a terminal failure/pause/removal.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeRetrying
	OutcomeFailed
	OutcomePaused
	OutcomeRemoved
)

// ClassifyHTTP implements the (library_result, http_status) -> outcome
// table from spec §4.3.
func ClassifyHTTP(err error, status int, followRedirects, forceStop bool, stopIsRemove bool) (Outcome, *Error) {
	if forceStop {
		if stopIsRemove {
			return OutcomeRemoved, nil
		}
		return OutcomePaused, nil
	}

	if err == nil {
		switch {
		case status == http.StatusOK || status == http.StatusPartialContent:
			return OutcomeCompleted, nil
		case status >= 300 && status < 400:
			if !followRedirects {
				return OutcomeFailed, newError(KindHTTP, status, "redirect_error", nil)
			}
			return OutcomeCompleted, nil
		case status >= 400:
			return OutcomeFailed, newError(KindHTTP, status, "unhandled_http_code", nil)
		default:
			return OutcomeCompleted, nil
		}
	}

	if isTransient(err) {
		return OutcomeRetrying, newError(KindTransient, status, "transient", err)
	}

	if isTLSError(err) {
		return OutcomeFailed, newError(KindSecurity, status, "security_error", err)
	}

	if errors.Is(err, ErrLinkExpired) {
		return OutcomeFailed, newError(KindHTTP, http.StatusForbidden, "unhandled_http_code", err)
	}

	var tmr *http.MaxBytesError
	if errors.As(err, &tmr) {
		return OutcomeFailed, newError(KindHTTP, status, "redirect_error", err)
	}

	return OutcomeFailed, newError(KindFile, status, "io_error", err)
}

func isTransient(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "proxyconnect" {
			return true
		}
	}
	msg := err.Error()
	transientSubstrings := []string{
		"connection refused", "no such host", "connection reset",
		"network is unreachable", "i/o timeout", "EOF",
	}
	for _, sub := range transientSubstrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

func isTLSError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "tls") ||
		strings.Contains(strings.ToLower(err.Error()), "x509") ||
		strings.Contains(strings.ToLower(err.Error()), "certificate")
}
