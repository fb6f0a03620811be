// Package apperr defines the failure taxonomy shared by every meetscribe
// component. Each failure carries a machine-readable Code, a human message
// naming the offending value (knob, path, device), and an optional cause.
// The CLI maps codes to distinct exit statuses with ExitCode.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable failure category.
type Code string

const (
	CodeConfig            Code = "CONFIG_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeUnsupportedFormat Code = "UNSUPPORTED_FORMAT"
	CodeDeviceUnavailable Code = "DEVICE_UNAVAILABLE"
	CodeCaptureFailed     Code = "CAPTURE_FAILED"
	CodeModelLoad         Code = "MODEL_LOAD_ERROR"
	CodeInference         Code = "INFERENCE_ERROR"
	CodeInternal          Code = "INTERNAL"
)

// kindNames are the user-facing category names printed before a message.
var kindNames = map[Code]string{
	CodeConfig:            "ConfigError",
	CodeNotFound:          "NotFoundError",
	CodeUnsupportedFormat: "UnsupportedFormatError",
	CodeDeviceUnavailable: "DeviceUnavailableError",
	CodeCaptureFailed:     "CaptureFailedError",
	CodeModelLoad:         "ModelLoadError",
	CodeInference:         "InferenceError",
	CodeInternal:          "InternalError",
}

var exitCodes = map[Code]int{
	CodeConfig:            2,
	CodeNotFound:          3,
	CodeUnsupportedFormat: 4,
	CodeDeviceUnavailable: 5,
	CodeCaptureFailed:     6,
	CodeModelLoad:         7,
	CodeInference:         8,
}

// Error is the unified meetscribe error type.
type Error struct {
	// Code is the failure category.
	Code Code
	// Message is a human-readable description including the offending value.
	Message string
	// Details carries the structured context (knob, path, device, backend).
	Details map[string]any
	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the message, followed by the cause when one is set.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause of the error.
func (e *Error) Unwrap() error { return e.Cause }

// Kind returns the user-facing category name, e.g. "NotFoundError".
func (e *Error) Kind() string {
	if name, ok := kindNames[e.Code]; ok {
		return name
	}
	return kindNames[CodeInternal]
}

// WithCause sets the underlying cause and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Config reports a knob whose value is not a member of its allowed set.
func Config(knob, value string) *Error {
	return &Error{
		Code:    CodeConfig,
		Message: fmt.Sprintf("invalid value %q for %s", value, knob),
		Details: map[string]any{"knob": knob, "value": value},
	}
}

// NotFound reports an input path that is missing, unreadable or not a regular file.
func NotFound(path string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("audio file %q does not exist or is not a readable file", path),
		Details: map[string]any{"path": path},
	}
}

// UnsupportedFormat reports audio that cannot be decoded.
func UnsupportedFormat(path, reason string) *Error {
	return &Error{
		Code:    CodeUnsupportedFormat,
		Message: fmt.Sprintf("cannot decode %q: %s", path, reason),
		Details: map[string]any{"path": path},
	}
}

// DeviceUnavailable reports a capture device that cannot be opened.
func DeviceUnavailable(device string) *Error {
	if device == "" {
		device = "default"
	}
	return &Error{
		Code:    CodeDeviceUnavailable,
		Message: fmt.Sprintf("capture device %q is unavailable", device),
		Details: map[string]any{"device": device},
	}
}

// CaptureFailed reports a capture that broke after the device was opened.
func CaptureFailed(device string) *Error {
	if device == "" {
		device = "default"
	}
	return &Error{
		Code:    CodeCaptureFailed,
		Message: fmt.Sprintf("capture from device %q failed", device),
		Details: map[string]any{"device": device},
	}
}

// ModelLoad reports a backend/model combination that cannot be initialized.
func ModelLoad(backend, model string) *Error {
	return &Error{
		Code:    CodeModelLoad,
		Message: fmt.Sprintf("cannot load model %q for backend %q", model, backend),
		Details: map[string]any{"backend": backend, "model": model},
	}
}

// Inference reports an unexpected backend failure mid-transcription.
func Inference(backend string) *Error {
	return &Error{
		Code:    CodeInference,
		Message: fmt.Sprintf("backend %q failed during transcription", backend),
		Details: map[string]any{"backend": backend},
	}
}

// Internal reports an unexpected failure outside the taxonomy (I/O while writing).
func Internal(op string) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: op,
	}
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err's chain contains an *Error with the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	e, ok := As(err)
	return ok && e.Code == code
}

// ExitCode maps err to the process exit status: 0 for nil, a distinct
// status per category, 1 for everything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := exitCodes[CodeOf(err)]; ok {
		return code
	}
	return 1
}

// Describe renders err as "<Kind>: <message>" for the single user-facing line.
func Describe(err error) string {
	if e, ok := As(err); ok {
		return fmt.Sprintf("%s: %s", e.Kind(), err.Error())
	}
	return fmt.Sprintf("%s: %s", kindNames[CodeInternal], err.Error())
}
