package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Error taxonomy shared by the store, the orchestrator and the client.
var (
	ErrCreation      = errors.New("task could not be created")
	ErrNotFound      = errors.New("task not found")
	ErrCorrupt       = errors.New("task record is corrupt")
	ErrTransport     = errors.New("no response from endpoint")
	ErrProtocol      = errors.New("malformed response")
	ErrStep          = errors.New("pipeline step failed")
	ErrOutputMissing = errors.New("output file was not generated")
	ErrRemote        = errors.New("remote reported an error")
	ErrTaskFailed    = errors.New("task finished with an error")
	ErrLeaseHeld     = errors.New("storage root is owned by another orchestrator")
	ErrInvalidInput  = errors.New("invalid input")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func CreationError(code, message string) error {
	return NewAppError(code, message, ErrCreation)
}

func NotFound(message string) error {
	return NewAppError("NOT_FOUND", message, ErrNotFound)
}

func Corrupt(message string) error {
	return NewAppError("CORRUPT", message, ErrCorrupt)
}

func TransportError(message string, cause error) error {
	return NewAppError("TRANSPORT", message, errors.Join(ErrTransport, cause))
}

func ProtocolError(message string) error {
	return NewAppError("PROTOCOL", message, ErrProtocol)
}

func StepError(message string) error {
	return NewAppError("STEP", message, ErrStep)
}

func OutputMissingError(message string) error {
	return NewAppError("OUTPUT_MISSING", message, ErrOutputMissing)
}

func RemoteError(message string) error {
	return NewAppError("REMOTE", message, ErrRemote)
}

func TaskFailed(message string) error {
	return NewAppError("TASK_FAILED", message, ErrTaskFailed)
}

// MessageOf returns the human readable part of err: the AppError message when
// there is one, the plain error text otherwise.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
