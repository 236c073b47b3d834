// Package errors defines the engine's error taxonomy.
//
// EngineError carries a Code that callers switch on (HTTP status mapping,
// metrics labels) and a Message that is safe to return to a network client.
// The wrapped Err holds internal detail and must only ever be logged.
//
// Sentinels are compared by code:
//
//	if errors.Is(err, errors.ErrUnknownTask) {
//	    // 400
//	}
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode categorizes errors for programmatic handling.
type ErrorCode string

const (
	ErrCodeInvalidPayload ErrorCode = "INVALID_PAYLOAD" // envelope failed to decode, authenticate or parse
	ErrCodeUnknownTask    ErrorCode = "UNKNOWN_TASK"    // no handler registered
	ErrCodeValidation     ErrorCode = "VALIDATION"      // task data rejected before execution
	ErrCodeConfig         ErrorCode = "CONFIG"          // startup configuration error
	ErrCodeConnection     ErrorCode = "CONNECTION"      // remote session could not be established
	ErrCodeUpload         ErrorCode = "UPLOAD"          // staging write failed
	ErrCodeInstall        ErrorCode = "INSTALL"         // privileged move/chown/chmod failed
	ErrCodeRestart        ErrorCode = "RESTART"         // restart command exited nonzero
	ErrCodeReport         ErrorCode = "REPORT"          // callback delivery failed
	ErrCodeBusy           ErrorCode = "BUSY"            // worker queue saturated
	ErrCodeInternal       ErrorCode = "INTERNAL"
)

// EngineError is a structured error with a client-safe message.
type EngineError struct {
	Code    ErrorCode
	Message string
	Task    string // task type, if applicable
	Err     error
}

func (e *EngineError) Error() string {
	if e.Task != "" && e.Err != nil {
		return fmt.Sprintf("task %s: %s: %v", e.Task, e.Message, e.Err)
	}
	if e.Task != "" {
		return fmt.Sprintf("task %s: %s", e.Task, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on error code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

var (
	// ErrInvalidPayload covers every envelope failure. The message is the only
	// detail a network client ever sees.
	ErrInvalidPayload = &EngineError{Code: ErrCodeInvalidPayload, Message: "Invalid encrypted payload"}

	ErrUnknownTask    = &EngineError{Code: ErrCodeUnknownTask, Message: "unknown task"}
	ErrValidation     = &EngineError{Code: ErrCodeValidation, Message: "invalid task data"}
	ErrConfig         = &EngineError{Code: ErrCodeConfig, Message: "invalid configuration"}
	ErrDuplicateTask  = &EngineError{Code: ErrCodeConfig, Message: "duplicate task registration"}
	ErrConnection     = &EngineError{Code: ErrCodeConnection, Message: "connection failed"}
	ErrUpload         = &EngineError{Code: ErrCodeUpload, Message: "upload failed"}
	ErrInstall        = &EngineError{Code: ErrCodeInstall, Message: "install failed"}
	ErrRestart        = &EngineError{Code: ErrCodeRestart, Message: "restart failed"}
	ErrReportDelivery = &EngineError{Code: ErrCodeReport, Message: "report delivery failed"}
	ErrBusy           = &EngineError{Code: ErrCodeBusy, Message: "Engine is busy"}
	ErrInternal       = &EngineError{Code: ErrCodeInternal, Message: "Internal Engine Error"}
)

// InvalidPayload wraps an envelope failure. err is kept for server-side logs.
func InvalidPayload(err error) error {
	return &EngineError{
		Code:    ErrCodeInvalidPayload,
		Message: ErrInvalidPayload.Message,
		Err:     err,
	}
}

// UnknownTask reports a task type with no registered handler.
func UnknownTask(task string) error {
	return &EngineError{
		Code:    ErrCodeUnknownTask,
		Message: fmt.Sprintf("No handler registered for task: %s", task),
	}
}

// Validation reports rejected task data. msg must not contain secret values.
func Validation(task, msg string) error {
	return &EngineError{
		Code:    ErrCodeValidation,
		Message: msg,
		Task:    task,
	}
}

// Wrap creates an error with the specified code, message, and underlying error.
func Wrap(code ErrorCode, msg string, err error) error {
	return &EngineError{
		Code:    code,
		Message: msg,
		Err:     err,
	}
}

// CodeOf returns the code of the first EngineError in err's chain.
func CodeOf(err error) ErrorCode {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// PublicMessage returns the client-safe message for err. Errors outside the
// taxonomy collapse to the generic internal message.
func PublicMessage(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		if e.Code == ErrCodeInternal || e.Code == ErrCodeConfig {
			return ErrInternal.Message
		}
		return e.Message
	}
	return ErrInternal.Message
}

// HTTPStatus maps err to the status code returned by the dispatch endpoint.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeInvalidPayload, ErrCodeUnknownTask, ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Is reports whether any error in err's chain matches target.
var Is = errors.Is

// As finds the first error in err's chain that matches target.
var As = errors.As

// New is errors.New, re-exported so callers importing this package need not
// alias the standard library.
var New = errors.New
