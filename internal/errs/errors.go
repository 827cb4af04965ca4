// Package errs defines the error taxonomy shared by the pipeline and the
// RPC boundary. Codes are user-visible identifiers; validation errors are
// returned as values, never panics.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error class across the RPC boundary.
type Code string

const (
	// 1xxx price
	PairNotFound     Code = "PAIR_NOT_FOUND"
	PriceUnavailable Code = "PRICE_UNAVAILABLE"
	PriceStale       Code = "PRICE_STALE"

	// 2xxx chart
	ChartDataNotFound Code = "CHART_DATA_NOT_FOUND"
	InvalidTimeRange  Code = "INVALID_TIME_RANGE"
	InvalidInterval   Code = "INVALID_INTERVAL"

	// 3xxx exchange
	ExchangeDisconnected Code = "EXCHANGE_DISCONNECTED"
	ExchangeRateLimited  Code = "EXCHANGE_RATE_LIMITED"
	ExchangeNotSupported Code = "EXCHANGE_NOT_SUPPORTED"

	// 4xxx validation
	InvalidPair       Code = "INVALID_PAIR"
	InvalidPeriod     Code = "INVALID_PERIOD"
	InvalidDateFormat Code = "INVALID_DATE_FORMAT"
	InvalidParams     Code = "INVALID_PARAMS"

	// 5xxx system
	DatabaseError      Code = "DATABASE_ERROR"
	RedisError         Code = "REDIS_ERROR"
	InternalError      Code = "INTERNAL_ERROR"
	ServiceUnavailable Code = "SERVICE_UNAVAILABLE"

	// 6xxx stream
	StreamAborted Code = "STREAM_ABORTED"
	StreamTimeout Code = "STREAM_TIMEOUT"
)

// CoreError carries a taxonomy code alongside a human-readable message.
// Storage errors are wrapped with the original error preserved so the
// retry layer can unwrap transient causes.
type CoreError struct {
	Code    Code
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *CoreError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.cause }

// New creates a CoreError with the given code and message.
func New(code Code, message string) *CoreError {
	return &CoreError{Code: code, Message: message}
}

// Newf creates a CoreError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a taxonomy code to an underlying error.
func Wrap(code Code, message string, cause error) *CoreError {
	return &CoreError{Code: code, Message: message, cause: cause}
}

// WithDetails returns a copy of the error carrying extra context for the
// RPC reply. Internal errors never expose details to clients.
func (e *CoreError) WithDetails(details map[string]interface{}) *CoreError {
	cp := *e
	cp.Details = details
	return &cp
}

// CodeOf extracts the taxonomy code from an error chain. Unclassified
// errors map to INTERNAL_ERROR.
func CodeOf(err error) Code {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return InternalError
}

// IsValidation reports whether the error belongs to the 4xxx class that
// bubbles to the RPC boundary unchanged.
func IsValidation(err error) bool {
	switch CodeOf(err) {
	case InvalidPair, InvalidPeriod, InvalidDateFormat, InvalidParams:
		return true
	}
	return false
}

// IsTransient reports whether the error is a 5xxx storage error worth
// retrying locally before surfacing.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case DatabaseError, RedisError, ServiceUnavailable:
		return true
	}
	return false
}
