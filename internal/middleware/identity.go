package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"promotion-shop/pkg/requestctx"
	"promotion-shop/pkg/utils"
)

// Headers set by the gateway in front of the services.
const (
	UserIDHeader = "X-User-Id"
	SagaIDHeader = "X-Saga-Id"
)

const userIDKey = "user_id"

// Identity requires a positive X-User-Id header and attaches it to the
// request context. X-Saga-Id is attached when present.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.GetHeader(UserIDHeader), 10, 64)
		if err != nil || userID <= 0 {
			utils.ErrorResponse(c, utils.ErrMissingIdentity)
			return
		}

		ctx := requestctx.WithCallerID(c.Request.Context(), userID)
		if sagaID := c.GetHeader(SagaIDHeader); sagaID != "" {
			ctx = requestctx.WithSagaID(ctx, sagaID)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Set(userIDKey, userID)
		c.Next()
	}
}

// GetUserID get the caller id set by Identity
func GetUserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
