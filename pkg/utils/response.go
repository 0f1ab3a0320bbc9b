package utils

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response standard response structure
type Response struct {
	Code      ResponseCode `json:"code"`
	Message   string       `json:"message"`
	Data      interface{}  `json:"data,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// SuccessResponse returns success response
func SuccessResponse(c *gin.Context, data interface{}) {
	JSONResponse(c, http.StatusOK, data)
}

// JSONResponse writes a success envelope with an explicit HTTP status.
func JSONResponse(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{
		Code:      CodeSuccess,
		Message:   "success",
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
}

// ErrorResponse writes err as an error envelope. Errors that are not an
// AppError are reported as internal errors without leaking their text.
func ErrorResponse(c *gin.Context, err error) {
	appErr, ok := AsAppError(err)
	if !ok {
		appErr = ErrInternalError
	}
	c.AbortWithStatusJSON(appErr.Code.HTTPStatus(), Response{
		Code:      appErr.Code,
		Message:   appErr.Message,
		Timestamp: time.Now().Unix(),
	})
}
