package reservation

import (
	"errors"

	"promotion-shop/pkg/utils"
)

var responseCodes = []struct {
	err  error
	code utils.ResponseCode
}{
	{ErrInsufficientCapacity, utils.CodeInsufficientCapacity},
	{ErrResourceNotFound, utils.CodeResourceNotFound},
	{ErrResourceInvalid, utils.CodeResourceInvalid},
	{ErrReservationNotFound, utils.CodeReservationNotFound},
	{ErrInvalidReservationState, utils.CodeInvalidReservationState},
	{ErrInvalidRequest, utils.CodeInvalidParam},
}

// AppError converts a protocol error into the HTTP error envelope. Errors
// outside the protocol are left unchanged.
func AppError(err error) error {
	for _, c := range responseCodes {
		if errors.Is(err, c.err) {
			return utils.WrapError(err, c.code, err.Error())
		}
	}
	return err
}

// ErrorForCode maps a response code received from a participant back to the
// protocol error, nil when the code is not a protocol code.
func ErrorForCode(code utils.ResponseCode) error {
	for _, c := range responseCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}
