package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"promotion-shop/internal/middleware"
	"promotion-shop/internal/model"
	"promotion-shop/internal/reservation"
	"promotion-shop/pkg/utils"
)

// ReservationHandler synchronous reservation protocol of one participant.
// The caller applies the answer itself, so nothing is announced on the bus.
type ReservationHandler struct {
	svc reservation.Service
}

// NewReservationHandler creates a reservation handler
func NewReservationHandler(svc reservation.Service) *ReservationHandler {
	return &ReservationHandler{svc: svc}
}

// Register mounts the protocol routes on rg
func (h *ReservationHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/reservations", h.Reserve)
	rg.POST("/reservations/:orderId/confirm", h.Confirm)
	rg.POST("/reservations/:orderId/cancel", h.Cancel)
}

type reserveRequest struct {
	SagaID  string       `json:"sagaId"`
	OrderID uint64       `json:"orderId" binding:"required"`
	Lines   []model.Line `json:"lines"`
}

type finalizeRequest struct {
	SagaID string       `json:"sagaId"`
	Lines  []model.Line `json:"lines"`
}

// Reserve holds the requested lines for an order
func (h *ReservationHandler) Reserve(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		utils.ErrorResponse(c, utils.ErrMissingIdentity)
		return
	}

	var body reserveRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		utils.ErrorResponse(c, utils.WrapError(err, utils.CodeInvalidParam, "invalid request body"))
		return
	}

	res, err := h.svc.Reserve(c.Request.Context(), reservation.Request{
		SagaID:  body.SagaID,
		OrderID: body.OrderID,
		UserID:  uint64(userID),
		Lines:   body.Lines,
	}, nil)
	if err != nil {
		utils.ErrorResponse(c, reservation.AppError(err))
		return
	}

	utils.JSONResponse(c, http.StatusCreated, res)
}

// Confirm makes an order's holds permanent
func (h *ReservationHandler) Confirm(c *gin.Context) {
	h.finalize(c, h.svc.Confirm)
}

// Cancel releases an order's holds
func (h *ReservationHandler) Cancel(c *gin.Context) {
	h.finalize(c, h.svc.Cancel)
}

type finalizeFunc func(ctx context.Context, req reservation.Request, announce reservation.AnnounceFunc) (*reservation.Result, error)

func (h *ReservationHandler) finalize(c *gin.Context, op finalizeFunc) {
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

	// the body is optional; without lines every reserved line is addressed
	var body finalizeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			utils.ErrorResponse(c, utils.WrapError(err, utils.CodeInvalidParam, "invalid request body"))
			return
		}
	}

	res, err := op(c.Request.Context(), reservation.Request{
		SagaID:  body.SagaID,
		OrderID: orderID,
		UserID:  uint64(userID),
		Lines:   body.Lines,
	}, nil)
	if err != nil {
		utils.ErrorResponse(c, reservation.AppError(err))
		return
	}

	utils.SuccessResponse(c, res)
}
