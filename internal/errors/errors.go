package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  " + e.Suggestion
	}

	return msg
}

// DecodeError reports a notification body that is not well-formed or lacks a
// required field.
type DecodeError struct {
	Field  string
	Reason string
	Err    error
}

func (e DecodeError) Error() string {
	msg := "decode notification"
	if e.Field != "" {
		msg += fmt.Sprintf(": field %q", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e DecodeError) Unwrap() error {
	return e.Err
}

// PolicyError reports a missing or invalid rotation tag on a secret.
type PolicyError struct {
	Tag    string
	Value  string
	Reason string
}

func (e PolicyError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("rotation policy: tag %q (value %q): %s", e.Tag, e.Value, e.Reason)
	}
	return fmt.Sprintf("rotation policy: tag %q: %s", e.Tag, e.Reason)
}

// AuthResolutionError is returned when no credential in the chain could issue
// a token for the requested scopes.
type AuthResolutionError struct {
	Scopes   []string
	Attempts []error
}

func (e AuthResolutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "no credential could issue a token for %s", strings.Join(e.Scopes, ","))
	for _, attempt := range e.Attempts {
		b.WriteString("\n  - ")
		b.WriteString(attempt.Error())
	}
	return b.String()
}

func (e AuthResolutionError) Unwrap() []error {
	return e.Attempts
}

// AuthError reports a credential rejected by a remote service.
type AuthError struct {
	Service    string
	Op         string
	StatusCode int
	Err        error
}

func (e AuthError) Error() string {
	msg := fmt.Sprintf("%s %s: access denied", e.Service, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e AuthError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a missing secret, application or service connection.
type NotFoundError struct {
	Kind string
	Name string
	Err  error
}

func (e NotFoundError) Error() string {
	msg := fmt.Sprintf("%s %q not found", e.Kind, e.Name)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e NotFoundError) Unwrap() error {
	return e.Err
}

// QuotaError reports throttling by a remote service.
type QuotaError struct {
	Service    string
	Op         string
	StatusCode int
	Err        error
}

func (e QuotaError) Error() string {
	msg := fmt.Sprintf("%s %s: throttled", e.Service, e.Op)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e QuotaError) Unwrap() error {
	return e.Err
}

// TransportError wraps any other failure talking to a remote service.
type TransportError struct {
	Service string
	Op      string
	Err     error
}

func (e TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e TransportError) Unwrap() error {
	return e.Err
}

// AmbiguousMatchError is returned when a lookup that must match at most one
// record matched several.
type AmbiguousMatchError struct {
	Kind  string
	Key   string
	Count int
}

func (e AmbiguousMatchError) Error() string {
	return fmt.Sprintf("%d %s records match %q, expected at most one", e.Count, e.Kind, e.Key)
}

// LeaseError is returned when the per-secret lease could not be obtained.
type LeaseError struct {
	Key string
	Err error
}

func (e LeaseError) Error() string {
	return fmt.Sprintf("lease %s: %v", e.Key, e.Err)
}

func (e LeaseError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether redelivering the same message may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		quota     QuotaError
		transport TransportError
		lease     LeaseError
	)
	if errors.As(err, &quota) || errors.As(err, &transport) || errors.As(err, &lease) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"temporary failure",
		"connection reset",
		"broken pipe",
		"too many requests",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// Kind returns a short, stable label for the error category.
func Kind(err error) string {
	var (
		decode     DecodeError
		pol        PolicyError
		resolution AuthResolutionError
		auth       AuthError
		notFound   NotFoundError
		quota      QuotaError
		transport  TransportError
		ambiguous  AmbiguousMatchError
		lease      LeaseError
		cfg        ConfigError
	)

	switch {
	case err == nil:
		return "none"
	case errors.As(err, &decode):
		return "decode"
	case errors.As(err, &pol):
		return "policy"
	case errors.As(err, &resolution):
		return "auth_resolution"
	case errors.As(err, &auth):
		return "auth"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &quota):
		return "quota"
	case errors.As(err, &ambiguous):
		return "ambiguous_match"
	case errors.As(err, &lease):
		return "lease"
	case errors.As(err, &transport):
		return "transport"
	case errors.As(err, &cfg):
		return "config"
	default:
		return "internal"
	}
}
