// Package apperr defines the error taxonomy shared by the processing pipeline
// and the analysis workers.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindTransient      Kind = "transient"
	KindTerminal       Kind = "terminal"
	KindMergeAlignment Kind = "merge_alignment"
	KindParse          Kind = "parse"
	KindUnknown        Kind = "unknown"
)

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Validationf reports bad or too-short input or a malformed request.
func Validationf(op, format string, args ...any) error {
	return newf(KindValidation, op, format, args...)
}

// Transientf reports a rate limit, server error or timeout.
func Transientf(op, format string, args ...any) error {
	return newf(KindTransient, op, format, args...)
}

// Terminalf reports an authorization or bad-request failure.
func Terminalf(op, format string, args ...any) error {
	return newf(KindTerminal, op, format, args...)
}

// Alignmentf reports a transcription/diarization desynchronization.
func Alignmentf(op, format string, args ...any) error {
	return newf(KindMergeAlignment, op, format, args...)
}

// Parsef reports non-conforming service output.
func Parsef(op, format string, args ...any) error {
	return newf(KindParse, op, format, args...)
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the classification of err. Unclassified network failures
// and deadline expiry count as transient.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err) == KindTransient
}

// FromStatus maps an unsuccessful HTTP response from an external service.
func FromStatus(op string, status int, body []byte) error {
	msg := fmt.Sprintf("status %d: %s", status, truncate(string(body), 512))
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return &Error{Kind: KindTransient, Op: op, Msg: msg}
	case status == http.StatusRequestEntityTooLarge:
		return &Error{Kind: KindValidation, Op: op, Msg: msg}
	default:
		return &Error{Kind: KindTerminal, Op: op, Msg: msg}
	}
}

// FromTransport classifies a failure to reach an external service.
func FromTransport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
