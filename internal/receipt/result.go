package receipt

import (
	"errors"
	"fmt"
)

// Code is a result code written to the summary table. The values are read
// by downstream consumers and must not change.
type Code string

const (
	CodeSuccess       Code = "200"
	CodeNoDetection   Code = "E001"
	CodeAmbiguous     Code = "E002"
	CodeUnknownSource Code = "E003"
	CodeUpstream      Code = "500"
	CodeOCR           Code = "AZURE_ERR"
	CodePost          Code = "POST_ERR"
)

// SuccessMessage is the result message stored with CodeSuccess.
const SuccessMessage = "SUCCESS"

var codeDescriptions = map[Code]string{
	CodeSuccess:       "success",
	CodeNoDetection:   "no detection",
	CodeAmbiguous:     "ambiguous detection",
	CodeUnknownSource: "unsupported source kind",
	CodeUpstream:      "upstream stage failed",
	CodeOCR:           "ocr failed",
	CodePost:          "post-processing failed",
}

// Description returns a short human readable label for the code.
func (c Code) Description() string {
	if d, ok := codeDescriptions[c]; ok {
		return d
	}
	return "unknown"
}

// Codes lists every defined code in a stable order.
func Codes() []Code {
	return []Code{CodeSuccess, CodeNoDetection, CodeAmbiguous, CodeUnknownSource, CodeUpstream, CodeOCR, CodePost}
}

// StageError is a classified failure produced by one pipeline stage.
type StageError struct {
	Code    Code
	Stage   string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Description()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s [%s] %s: %v", e.Stage, e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s [%s] %s", e.Stage, e.Code, msg)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError builds a StageError for the given stage.
func NewStageError(stage string, code Code, message string, err error) *StageError {
	return &StageError{Code: code, Stage: stage, Message: message, Err: err}
}

// CodeOf extracts the code from err, falling back to CodeUpstream for
// unclassified errors.
func CodeOf(err error) Code {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeUpstream
}

// Result is the outcome of one stage for one identity: either a payload or
// a classified failure. It is passed by value and never modified.
type Result[T any] struct {
	id      Identity
	payload T
	err     *StageError
}

// Ok wraps a successful payload.
func Ok[T any](id Identity, payload T) Result[T] {
	return Result[T]{id: id, payload: payload}
}

// Fail wraps a classified failure.
func Fail[T any](id Identity, err *StageError) Result[T] {
	if err == nil {
		err = &StageError{Code: CodeUpstream, Message: "unknown failure"}
	}
	return Result[T]{id: id, err: err}
}

// FailCode is shorthand for Fail with a fresh StageError.
func FailCode[T any](id Identity, stage string, code Code, message string, cause error) Result[T] {
	return Fail[T](id, NewStageError(stage, code, message, cause))
}

// Identity returns the originating identity.
func (r Result[T]) Identity() Identity { return r.id }

// IsOk reports whether the result carries a payload.
func (r Result[T]) IsOk() bool { return r.err == nil }

// Payload returns the payload and whether it is valid.
func (r Result[T]) Payload() (T, bool) { return r.payload, r.err == nil }

// Err returns the failure, or nil on success.
func (r Result[T]) Err() *StageError { return r.err }

// Code returns CodeSuccess for Ok results and the failure code otherwise.
func (r Result[T]) Code() Code {
	if r.err == nil {
		return CodeSuccess
	}
	return r.err.Code
}

// Message returns the stored result message for this outcome.
func (r Result[T]) Message() string {
	if r.err == nil {
		return SuccessMessage
	}
	return r.err.Error()
}

// Then runs next only when r is Ok, carrying the failure forward otherwise.
func Then[T, U any](r Result[T], next func(Identity, T) Result[U]) Result[U] {
	if r.err != nil {
		return Fail[U](r.id, r.err)
	}
	return next(r.id, r.payload)
}
