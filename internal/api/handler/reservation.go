package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/qs3c/lensgen_server/internal/api/middleware"
	"github.com/qs3c/lensgen_server/internal/ledger"
	"github.com/qs3c/lensgen_server/internal/model/dto"
	"github.com/qs3c/lensgen_server/internal/pkg/response"
	"github.com/qs3c/lensgen_server/internal/service"
)

type ReservationHandler struct {
	reservationService *service.ReservationService
}

func NewReservationHandler(reservationService *service.ReservationService) *ReservationHandler {
	return &ReservationHandler{
		reservationService: reservationService,
	}
}

// Reserve 预留额度
// POST /api/v1/quota/reserve
func (h *ReservationHandler) Reserve(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.ReserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	res, err := h.reservationService.Reserve(c.Request.Context(), userID, &req)
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, &dto.ReserveResponse{
		Success:       true,
		ReservationID: res.ID,
		ImageCount:    res.ImageCount,
		Credits:       creditsInfo(res.Balance),
	})
}

// Release 取消预留，全额退款
// DELETE /api/v1/quota/reserve?id=xxx 或 ?taskId=xxx
func (h *ReservationHandler) Release(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	ref := service.Ref{ID: c.Query("id"), TaskID: c.Query("taskId")}
	refunded, err := h.reservationService.Release(c.Request.Context(), userID, ref)
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, &dto.RefundResponse{Success: true, RefundedCount: refunded})
}

// PartialUpdate 部分成功后修正记录并退还差额
// PUT /api/v1/quota/reserve
func (h *ReservationHandler) PartialUpdate(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.PartialUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	ref := service.Ref{ID: req.ReservationID, TaskID: req.TaskID}
	refunded, err := h.reservationService.PartialUpdate(c.Request.Context(), userID, ref, *req.ActualImageCount, req.RefundCount)
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, &dto.RefundResponse{Success: true, RefundedCount: refunded})
}

// GetQuota 获取当前用户额度
// GET /api/v1/quota
func (h *ReservationHandler) GetQuota(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	summary, err := h.reservationService.Balance(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, "")
		return
	}

	response.Success(c, &dto.QuotaResponse{
		Success:        true,
		TotalQuota:     summary.TotalQuota,
		UsedCount:      summary.UsedCount,
		RemainingQuota: summary.RemainingQuota,
		Credits:        creditsInfo(summary.Balance),
	})
}

func creditsInfo(b ledger.Balance) dto.CreditsInfo {
	pools := b.Pools
	return dto.CreditsInfo{
		Available:    b.Available,
		Pools:        &pools,
		DailyExpired: b.DailyExpired,
	}
}
