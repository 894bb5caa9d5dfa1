// Package errors provides structured error handling for assessorsync.
//
// Every error that crosses a component boundary carries a Kind from a closed
// set. The orchestrator uses the Kind to decide whether a failure is
// retryable (transient destination trouble), fatal for the job (source or
// mapping unavailable), or a per-row data problem that is only counted.
//
// # Basic Usage
//
//	err := errors.New(errors.KindMappingMissing, "mapping not found").
//	    WithDetail("data_type", "property").
//	    WithDetail("name", "benton_2024")
//
//	if errors.IsRetryable(err) {
//	    // back off and try the chunk again
//	}
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// Kind is the category of an error. The set is closed.
type Kind string

const (
	// Source adapter kinds
	KindSourceUnavailable Kind = "SourceUnavailable"
	KindUnsupportedFormat Kind = "UnsupportedFormat"
	KindAuthError         Kind = "AuthError"
	KindMalformedInput    Kind = "MalformedInput"

	// Mapping registry kinds
	KindMappingMissing Kind = "MappingMissing"
	KindMappingInvalid Kind = "MappingInvalid"
	KindAlreadyExists  Kind = "AlreadyExists"

	// Transform kinds (per-row, never fatal)
	KindCoercionFailed      Kind = "CoercionFailed"
	KindMissingSourceColumn Kind = "MissingSourceColumn"
	KindDerivationFailed    Kind = "DerivationFailed"

	// Validator kinds
	KindConstraintViolated Kind = "ConstraintViolated"
	KindBatchRejected      Kind = "BatchRejected"

	// Loader kinds
	KindDuplicateKey           Kind = "DuplicateKey"
	KindDestinationUnavailable Kind = "DestinationUnavailable"
	KindTransactionConflict    Kind = "TransactionConflict"

	// Metadata store kinds
	KindWatermarkConflict Kind = "WatermarkConflict"

	KindExportWriteFailed          Kind = "ExportWriteFailed"
	KindRuleEvaluationFailed       Kind = "RuleEvaluationFailed"
	KindNotificationDeliveryFailed Kind = "NotificationDeliveryFailed"

	KindCancelled Kind = "Cancelled"
	KindTimeout   Kind = "Timeout"

	// KindConfig covers invalid configuration and job specs.
	KindConfig Kind = "Config"
	// KindInternal is used when nothing more specific applies.
	KindInternal Kind = "Internal"
)

// Error is a structured error with a kind, context details and the call
// stack at the point of creation.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given kind and message
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context. The stack of an
// already structured cause is preserved. Wrap returns nil for a nil error.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}

	var existing *Error
	if stderrors.As(err, &existing) {
		return &Error{
			Kind:    kind,
			Message: message,
			Cause:   err,
			Stack:   existing.Stack,
		}
	}

	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// KindOf returns the kind of the outermost structured error in the chain,
// or KindInternal when the chain has none.
func KindOf(err error) Kind {
	var e *Error
	if !stderrors.As(err, &e) {
		return KindInternal
	}
	return e.Kind
}

// IsKind checks whether any structured error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsRetryable reports whether err is a transient destination failure.
// Data errors never retry.
func IsRetryable(err error) bool {
	var e *Error
	if !stderrors.As(err, &e) {
		return false
	}

	switch e.Kind {
	case KindDestinationUnavailable, KindTransactionConflict, KindTimeout:
		return true
	default:
		return false
	}
}

// IsFatal reports whether err must short-circuit a job.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindSourceUnavailable, KindUnsupportedFormat, KindAuthError,
		KindMappingMissing, KindMappingInvalid, KindDestinationUnavailable,
		KindConfig, KindWatermarkConflict:
		return true
	default:
		return false
	}
}

// Is, As and Join re-export the standard library helpers so callers only
// import one errors package.
var (
	Is   = stderrors.Is
	As   = stderrors.As
	Join = stderrors.Join
)

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
