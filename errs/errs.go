// Package errs provides structured error types and helpers for stratum services.
package errs

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category surfaced by the session manager and its collaborators.
type Code string

const (
	// CodeUnknownStrategy indicates the referenced strategy is not registered.
	CodeUnknownStrategy Code = "unknown_strategy"
	// CodeInvalidConfig indicates a strategy configuration failed validation.
	CodeInvalidConfig Code = "invalid_config"
	// CodeNotFound indicates the referenced wallet has no session.
	CodeNotFound Code = "not_found"
	// CodeAssignmentConflict indicates a concurrent assign/stop did not settle in time.
	CodeAssignmentConflict Code = "assignment_conflict"
	// CodeExecutionFailure indicates a strategy engine or swap executor failure inside a loop tick.
	CodeExecutionFailure Code = "execution_failure"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates the service is temporarily unable to take the request.
	CodeUnavailable Code = "unavailable"
)

// HTTPStatus returns the default HTTP status associated with the code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnknownStrategy, CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidConfig, CodeInvalid:
		return http.StatusBadRequest
	case CodeAssignmentConflict:
		return http.StatusConflict
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeExecutionFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// E captures structured error information produced across the stratum stack.
type E struct {
	Op      string
	Code    Code
	HTTP    int
	Message string
	Wallet  string
	Fields  map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:      strings.TrimSpace(op),
		Code:    code,
		HTTP:    0,
		Message: "",
		Wallet:  "",
		Fields:  nil,
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP overrides the HTTP status derived from the code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithWallet records the wallet address the failure relates to.
func WithWallet(wallet string) Option {
	trimmed := strings.TrimSpace(wallet)
	return func(e *E) {
		e.Wallet = trimmed
	}
}

// WithField appends a single key/value detail.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Wallet != "" {
		parts = append(parts, "wallet="+strconv.Quote(e.Wallet))
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Status returns the HTTP status for the error, preferring an explicit override.
func (e *E) Status() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if e.HTTP > 0 {
		return e.HTTP
	}
	return e.Code.HTTPStatus()
}

// Describe returns the message when present, otherwise the code.
func (e *E) Describe() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// CodeOf returns the code of the first envelope in the chain, or empty when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the provided code anywhere in its chain.
func Is(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}
