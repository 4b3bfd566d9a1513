// Package rserr defines the range server's error taxonomy: a
// small code enum plus an error type that carries it across every layer,
// from the commit log up through the response callback on the wire.
//
// Errors are built on github.com/cockroachdb/errors rather than bare
// fmt.Errorf so that causes chain (errors.Is/As keep working). Messages
// are formatted with github.com/cockroachdb/redact's Sprintf and stored
// with the redaction markers stripped, so Message is plain text.
package rserr

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// Code is a taxonomy of range server errors, grouped the way // groups them (configuration, protocol, routing, data, infrastructure,
// fatal).
type Code int

const (
	// CodeOK is the zero value; not a real error, used by response
	// helpers that need a "no error" sentinel of this type.
	CodeOK Code = iota

	// Configuration.
	CodeConfigBadValue

	// Protocol.
	CodeProtocolError
	CodeMalformedRequest
	CodeRequestTruncated
	CodeBadScanSpec

	// Routing.
	CodeTableNotFound
	CodeRangeNotFound
	CodeRangeAlreadyLoaded
	CodeOutOfRange

	// Data.
	CodeBadKey
	CodeRevisionOrderError
	CodeClockSkew
	CodeSchemaParseError
	CodeGenerationMismatch
	CodeInvalidScannerID

	// Infrastructure.
	CodeIOError
	CodeRequestTimeout

	// Fatal.
	CodeFatal
)

// String names a code for logging; deliberately not the wire
// representation (that's the numeric Code itself).
func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeConfigBadValue:
		return "CONFIG_BAD_VALUE"
	case CodeProtocolError:
		return "PROTOCOL_ERROR"
	case CodeMalformedRequest:
		return "MALFORMED_REQUEST"
	case CodeRequestTruncated:
		return "REQUEST_TRUNCATED"
	case CodeBadScanSpec:
		return "BAD_SCAN_SPEC"
	case CodeTableNotFound:
		return "TABLE_NOT_FOUND"
	case CodeRangeNotFound:
		return "RANGE_NOT_FOUND"
	case CodeRangeAlreadyLoaded:
		return "RANGE_ALREADY_LOADED"
	case CodeOutOfRange:
		return "OUT_OF_RANGE"
	case CodeBadKey:
		return "BAD_KEY"
	case CodeRevisionOrderError:
		return "REVISION_ORDER_ERROR"
	case CodeClockSkew:
		return "CLOCK_SKEW"
	case CodeSchemaParseError:
		return "SCHEMA_PARSE_ERROR"
	case CodeGenerationMismatch:
		return "GENERATION_MISMATCH"
	case CodeInvalidScannerID:
		return "INVALID_SCANNER_ID"
	case CodeIOError:
		return "IO_ERROR"
	case CodeRequestTimeout:
		return "REQUEST_TIMEOUT"
	case CodeFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the range server's canonical error value: a Code plus a
// human-readable message, optionally wrapping a cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

// New builds an Error with no underlying cause.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: redact.Sprintf(format, args...).StripMarkers()}
}

// Wrap builds an Error that chains cause, preserving it for errors.Is/As.
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	msg := redact.Sprintf(format, args...).StripMarkers()
	return &Error{Code: code, Message: msg, cause: errors.Wrap(cause, msg)}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Code.String() + ": " + e.Message
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the Code carried by err, returning (CodeIOError, false)
// for any error that isn't one of ours — infrastructure failures (short
// writes, closed files) default to IO_ERROR.
func CodeOf(err error) (Code, bool) {
	if err == nil {
		return CodeOK, true
	}
	var rse *Error
	if errors.As(err, &rse) {
		return rse.Code, true
	}
	return CodeIOError, false
}
