package engine

import (
	"errors"
	"fmt"
)

// ErrInvalidState is wrapped by every INVALID_STATE AppError.
var ErrInvalidState = errors.New("invalid state")

type AppError struct {
	Code    string        `json:"code"`
	Status  int           `json:"-"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`

	cause error
}

type ErrorDetail struct {
	Field   string `json:"field,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Message string `json:"message"`
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.cause
}

type ErrorResponse struct {
	Error *AppError `json:"error"`
}

func NewAppError(code string, status int, msg string) *AppError {
	return &AppError{Code: code, Status: status, Message: msg}
}

func NotFoundError(entity, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Status:  404,
		Message: fmt.Sprintf("%s with id %s not found", entity, id),
	}
}

func ValidationError(details []ErrorDetail) *AppError {
	return &AppError{
		Code:    "VALIDATION_FAILED",
		Status:  422,
		Message: "Validation failed",
		Details: details,
	}
}

func InvalidStateError(msg string) *AppError {
	return &AppError{Code: "INVALID_STATE", Status: 409, Message: msg, cause: ErrInvalidState}
}

func ConnectorNotFoundError(integrationType string, cause error) *AppError {
	return &AppError{
		Code:    "CONNECTOR_NOT_FOUND",
		Status:  422,
		Message: fmt.Sprintf("No connector registered for integration type %s", integrationType),
		cause:   cause,
	}
}

// ConnectorError carries a connector failure verbatim to the caller.
func ConnectorError(cause error) *AppError {
	return &AppError{Code: "CONNECTOR_ERROR", Status: 502, Message: cause.Error(), cause: cause}
}

func UnauthorizedError(msg string) *AppError {
	return &AppError{Code: "UNAUTHORIZED", Status: 401, Message: msg}
}

func ForbiddenError(msg string) *AppError {
	return &AppError{Code: "FORBIDDEN", Status: 403, Message: msg}
}

// AsAppError unwraps err into an *AppError if it carries one.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
