package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"promotion-shop/internal/middleware"
	"promotion-shop/internal/model"
	"promotion-shop/internal/saga"
	"promotion-shop/pkg/log"
	"promotion-shop/pkg/utils"
)

// OrderService order placement side of the saga orchestrator
type OrderService interface {
	PlaceOrder(ctx context.Context, req saga.PlaceOrderRequest) (*saga.Placement, error)
	GetSaga(ctx context.Context, orderID uint64) (*model.SagaTransaction, error)
}

// OrderHandler order handler
type OrderHandler struct {
	orders OrderService
}

// NewOrderHandler creates an order handler
func NewOrderHandler(orders OrderService) *OrderHandler {
	return &OrderHandler{orders: orders}
}

// Register mounts the order routes on rg
func (h *OrderHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/orders", h.PlaceOrder)
	rg.GET("/orders/:orderId/saga", h.GetSaga)
}

// PlaceOrder starts the saga of a new order. The order is accepted once the
// saga is stored; its outcome is read from GetSaga.
func (h *OrderHandler) PlaceOrder(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		utils.ErrorResponse(c, utils.ErrMissingIdentity)
		return
	}

	var req saga.PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, utils.WrapError(err, utils.CodeInvalidParam, "invalid request body"))
		return
	}
	req.UserID = uint64(userID)

	placement, err := h.orders.PlaceOrder(c.Request.Context(), req)
	switch {
	case err == nil:
		utils.JSONResponse(c, http.StatusAccepted, placement)
	case errors.Is(err, saga.ErrInvalidOrder):
		utils.ErrorResponse(c, utils.WrapError(err, utils.CodeInvalidParam, err.Error()))
	case errors.Is(err, saga.ErrOrderRejected):
		utils.ErrorResponse(c, utils.WrapError(err, utils.CodeReservationRejected, err.Error()))
	default:
		log.WithContext(c.Request.Context()).WithError(err).Error("Failed to place order")
		utils.ErrorResponse(c, err)
	}
}

// GetSaga returns the saga of one of the caller's orders
func (h *OrderHandler) GetSaga(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		utils.ErrorResponse(c, utils.ErrMissingIdentity)
		return
	}

	orderID, err := strconv.ParseUint(c.Param("orderId"), 10, 64)
	if err != nil || orderID == 0 {
		utils.ErrorResponse(c, utils.NewError(utils.CodeInvalidParam, "invalid order id"))
		return
	}

	st, err := h.orders.GetSaga(c.Request.Context(), orderID)
	if errors.Is(err, saga.ErrSagaNotFound) {
		utils.ErrorResponse(c, utils.ErrSagaNotFound)
		return
	}
	if err != nil {
		log.WithContext(c.Request.Context()).WithError(err).Error("Failed to load saga")
		utils.ErrorResponse(c, err)
		return
	}
	// other users' sagas are reported as missing
	if st.UserID != uint64(userID) {
		utils.ErrorResponse(c, utils.ErrSagaNotFound)
		return
	}

	utils.SuccessResponse(c, st)
}
