package utils

import (
	"errors"
	"fmt"
	"net/http"
)

// ResponseCode business code carried in every JSON response
type ResponseCode int

const (
	CodeSuccess      ResponseCode = 0
	CodeInvalidParam ResponseCode = 1001
	CodeUnauthorized ResponseCode = 1002
	CodeNotFound     ResponseCode = 1004

	// Reservation protocol
	CodeInsufficientCapacity    ResponseCode = 2001
	CodeResourceNotFound        ResponseCode = 2002
	CodeResourceInvalid         ResponseCode = 2003
	CodeReservationNotFound     ResponseCode = 2004
	CodeInvalidReservationState ResponseCode = 2005

	// Saga
	CodeParticipantUnavailable ResponseCode = 3001
	CodeSagaNotFound           ResponseCode = 3002
	CodeReservationRejected    ResponseCode = 3003

	CodeInternalError ResponseCode = 5000
	CodeDatabaseError ResponseCode = 5001
)

var httpStatus = map[ResponseCode]int{
	CodeSuccess:                 http.StatusOK,
	CodeInvalidParam:            http.StatusBadRequest,
	CodeUnauthorized:            http.StatusUnauthorized,
	CodeNotFound:                http.StatusNotFound,
	CodeInsufficientCapacity:    http.StatusConflict,
	CodeResourceNotFound:        http.StatusNotFound,
	CodeResourceInvalid:         http.StatusUnprocessableEntity,
	CodeReservationNotFound:     http.StatusNotFound,
	CodeInvalidReservationState: http.StatusConflict,
	CodeParticipantUnavailable:  http.StatusServiceUnavailable,
	CodeSagaNotFound:            http.StatusNotFound,
	CodeReservationRejected:     http.StatusUnprocessableEntity,
	CodeInternalError:           http.StatusInternalServerError,
	CodeDatabaseError:           http.StatusInternalServerError,
}

// HTTPStatus maps a response code to the HTTP status used on the wire.
func (c ResponseCode) HTTPStatus() int {
	if s, ok := httpStatus[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AppError application error structure
type AppError struct {
	Code    ResponseCode `json:"code"`
	Message string       `json:"message"`
	Err     error        `json:"-"`
}

// Error implement error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code: %d, message: %s, error: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
}

// Unwrap implement errors.Unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError create new application error
func NewError(code ResponseCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WrapError wrap error
func WrapError(err error, code ResponseCode, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

var (
	ErrInvalidParam           = NewError(CodeInvalidParam, "invalid parameter")
	ErrMissingIdentity        = NewError(CodeUnauthorized, "missing caller identity")
	ErrInternalError          = NewError(CodeInternalError, "internal server error")
	ErrDatabaseError          = NewError(CodeDatabaseError, "database error")
	ErrSagaNotFound           = NewError(CodeSagaNotFound, "saga not found")
	ErrTemporarilyUnavailable = NewError(CodeParticipantUnavailable, "participant temporarily unavailable")
)

// AsAppError finds the first AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetErrorCode get error code
func GetErrorCode(err error) ResponseCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// GetErrorMessage get error message
func GetErrorMessage(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Message
	}
	return err.Error()
}
