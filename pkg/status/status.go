package status

import (
	"context"
	"errors"
	"fmt"
)

// Severity classifies a Result.
type Severity uint8

const (
	// SeverityGood indicates complete success.
	SeverityGood Severity = iota

	// SeverityUncertain indicates partial success.
	SeverityUncertain

	// SeverityBad indicates failure.
	SeverityBad
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityGood:
		return "GOOD"
	case SeverityUncertain:
		return "UNCERTAIN"
	case SeverityBad:
		return "BAD"
	default:
		return "UNKNOWN"
	}
}

// Kind groups codes into the error taxonomy.
type Kind uint8

const (
	KindNone Kind = iota
	KindConnection
	KindNavigation
	KindDefinition
	KindPartialBatch
	KindTimeout
	KindOperation
	KindInternal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindConnection:
		return "CONNECTION"
	case KindNavigation:
		return "NAVIGATION"
	case KindDefinition:
		return "DEFINITION"
	case KindPartialBatch:
		return "PARTIAL_BATCH"
	case KindTimeout:
		return "TIMEOUT"
	case KindOperation:
		return "OPERATION"
	case KindInternal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Code is a result code.
type Code uint16

const (
	// CodeGood indicates the operation completed successfully.
	CodeGood Code = 0

	// CodePartialSuccess indicates some items of a batch failed.
	CodePartialSuccess Code = 1

	// CodeNotConnected indicates the session is not connected.
	CodeNotConnected Code = 10

	// CodeServerUnknown indicates the server name is not registered on the host.
	CodeServerUnknown Code = 11

	// CodeConnectionFailed indicates the host could not be reached.
	CodeConnectionFailed Code = 12

	// CodeConnectionLost indicates an established session dropped.
	CodeConnectionLost Code = 13

	// CodeAlreadyConnected indicates Connect was called on a connected session.
	CodeAlreadyConnected Code = 14

	// CodeInvalidPosition indicates the browse position does not exist.
	CodeInvalidPosition Code = 20

	// CodeBrowseRejected indicates the server refused to browse.
	CodeBrowseRejected Code = 21

	// CodeNoContinuation indicates BrowseNext without pending elements.
	CodeNoContinuation Code = 22

	// CodeInvalidItemID indicates a syntactically invalid item identifier.
	CodeInvalidItemID Code = 30

	// CodeUnknownItemID indicates the item identifier is not in the address space.
	CodeUnknownItemID Code = 31

	// CodeDuplicateItem indicates the item is already part of the group.
	CodeDuplicateItem Code = 32

	// CodeBadType indicates the requested data type cannot be served.
	CodeBadType Code = 33

	// CodeInvalidRate indicates a negative requested update rate.
	CodeInvalidRate Code = 34

	// CodeInvalidHandle indicates an unknown or released handle.
	CodeInvalidHandle Code = 40

	// CodeReadOnly indicates a write to a read-only item.
	CodeReadOnly Code = 41

	// CodeWriteOnly indicates a read from a write-only item.
	CodeWriteOnly Code = 42

	// CodeRange indicates a written value is out of range for the item type.
	CodeRange Code = 43

	// CodeInvalidArgument indicates a malformed request parameter.
	CodeInvalidArgument Code = 44

	// CodeInvalidState indicates the object is released or in the wrong state.
	CodeInvalidState Code = 45

	// CodeUnsupported indicates the server does not support the operation.
	CodeUnsupported Code = 46

	// CodeBatchFailed indicates every item of a batch failed.
	CodeBatchFailed Code = 47

	// CodeTimeout indicates the transport did not respond in time.
	CodeTimeout Code = 50

	// CodeInternal indicates an unexpected failure.
	CodeInternal Code = 60
)

// String returns the code name.
func (c Code) String() string {
	switch c {
	case CodeGood:
		return "GOOD"
	case CodePartialSuccess:
		return "PARTIAL_SUCCESS"
	case CodeNotConnected:
		return "NOT_CONNECTED"
	case CodeServerUnknown:
		return "SERVER_UNKNOWN"
	case CodeConnectionFailed:
		return "CONNECTION_FAILED"
	case CodeConnectionLost:
		return "CONNECTION_LOST"
	case CodeAlreadyConnected:
		return "ALREADY_CONNECTED"
	case CodeInvalidPosition:
		return "INVALID_POSITION"
	case CodeBrowseRejected:
		return "BROWSE_REJECTED"
	case CodeNoContinuation:
		return "NO_CONTINUATION"
	case CodeInvalidItemID:
		return "INVALID_ITEM_ID"
	case CodeUnknownItemID:
		return "UNKNOWN_ITEM_ID"
	case CodeDuplicateItem:
		return "DUPLICATE_ITEM"
	case CodeBadType:
		return "BAD_TYPE"
	case CodeInvalidRate:
		return "INVALID_RATE"
	case CodeInvalidHandle:
		return "INVALID_HANDLE"
	case CodeReadOnly:
		return "READ_ONLY"
	case CodeWriteOnly:
		return "WRITE_ONLY"
	case CodeRange:
		return "RANGE"
	case CodeInvalidArgument:
		return "INVALID_ARGUMENT"
	case CodeInvalidState:
		return "INVALID_STATE"
	case CodeUnsupported:
		return "UNSUPPORTED"
	case CodeBatchFailed:
		return "BATCH_FAILED"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeInternal:
		return "INTERNAL"
	default:
		return fmt.Sprintf("CODE_%d", uint16(c))
	}
}

// Severity returns the severity of the code.
func (c Code) Severity() Severity {
	switch c {
	case CodeGood:
		return SeverityGood
	case CodePartialSuccess:
		return SeverityUncertain
	default:
		return SeverityBad
	}
}

// Kind returns the error kind of the code.
func (c Code) Kind() Kind {
	switch c {
	case CodeGood:
		return KindNone
	case CodePartialSuccess:
		return KindPartialBatch
	case CodeNotConnected, CodeServerUnknown, CodeConnectionFailed, CodeConnectionLost, CodeAlreadyConnected:
		return KindConnection
	case CodeInvalidPosition, CodeBrowseRejected, CodeNoContinuation:
		return KindNavigation
	case CodeInvalidItemID, CodeUnknownItemID, CodeDuplicateItem, CodeBadType, CodeInvalidRate:
		return KindDefinition
	case CodeTimeout:
		return KindTimeout
	case CodeInternal:
		return KindInternal
	default:
		return KindOperation
	}
}

// Result is the outcome of a single operation.
// The zero value is Good.
type Result struct {
	Code    Code   `cbor:"1,keyasint" json:"code"`
	Message string `cbor:"2,keyasint,omitempty" json:"message,omitempty"`
}

// Good is the successful result.
var Good = Result{}

// NewResult creates a result with a formatted message.
func NewResult(code Code, format string, args ...any) Result {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return Result{Code: code, Message: msg}
}

// Severity returns the severity of the result.
func (r Result) Severity() Severity { return r.Code.Severity() }

// Kind returns the error kind of the result.
func (r Result) Kind() Kind { return r.Code.Kind() }

// IsGood reports whether the result is Good.
func (r Result) IsGood() bool { return r.Severity() == SeverityGood }

// IsUncertain reports whether the result is Uncertain.
func (r Result) IsUncertain() bool { return r.Severity() == SeverityUncertain }

// IsBad reports whether the result is Bad.
func (r Result) IsBad() bool { return r.Severity() == SeverityBad }

// IsNotGood reports whether the result is Uncertain or Bad.
func (r Result) IsNotGood() bool { return !r.IsGood() }

// String returns "SEVERITY CODE: message".
func (r Result) String() string {
	if r.Message == "" {
		return fmt.Sprintf("%s %s", r.Severity(), r.Code)
	}
	return fmt.Sprintf("%s %s: %s", r.Severity(), r.Code, r.Message)
}

// Err converts the result into an error. Good results return nil.
func (r Result) Err() error {
	if r.IsGood() {
		return nil
	}
	return &Error{Result: r}
}

// Error is the error form of a non-Good Result.
type Error struct {
	Result Result
	cause  error
}

// New creates an error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Result: NewResult(code, format, args...)}
}

// Wrap creates an error with the given code that wraps cause.
func Wrap(code Code, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Result: Result{Code: code, Message: msg}, cause: cause}
}

func (e *Error) Error() string {
	return e.Result.String()
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches the kind sentinels (ErrConnection, ErrNavigation, ...).
func (e *Error) Is(target error) bool {
	k, ok := target.(*kindError)
	return ok && k.kind == e.Result.Kind()
}

type kindError struct {
	kind Kind
	text string
}

func (k *kindError) Error() string { return k.text }

// Kind sentinels for errors.Is.
var (
	ErrConnection   error = &kindError{KindConnection, "connection error"}
	ErrNavigation   error = &kindError{KindNavigation, "navigation error"}
	ErrDefinition   error = &kindError{KindDefinition, "definition error"}
	ErrPartialBatch error = &kindError{KindPartialBatch, "partial batch"}
	ErrTimeout      error = &kindError{KindTimeout, "timeout"}
	ErrOperation    error = &kindError{KindOperation, "operation failed"}
)

// Of returns the Result carried by err.
// A nil error is Good. Context deadline errors map to CodeTimeout; any other
// foreign error maps to CodeInternal.
func Of(err error) Result {
	if err == nil {
		return Good
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Result
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Result{Code: CodeTimeout, Message: err.Error()}
	}
	return Result{Code: CodeInternal, Message: err.Error()}
}

// FromError converts err into a *Error, preserving an existing one.
// It returns nil for a nil error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	res := Of(err)
	return &Error{Result: res, cause: err}
}

// Aggregate returns the batch verdict for n items of which failed did not succeed.
func Aggregate(n, failed int) Result {
	switch {
	case failed == 0:
		return Good
	case failed < n:
		return NewResult(CodePartialSuccess, "%d of %d items failed", failed, n)
	default:
		return NewResult(CodeBatchFailed, "all %d items failed", n)
	}
}

// ProgrammingError is the panic value raised when a documented precondition
// is violated. It is never returned as an error.
type ProgrammingError struct {
	Message string
}

func (e ProgrammingError) Error() string {
	return "programming error: " + e.Message
}
