package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/lensgen_server/internal/api/middleware"
	"github.com/qs3c/lensgen_server/internal/model/dto"
	"github.com/qs3c/lensgen_server/internal/pkg/response"
	"github.com/qs3c/lensgen_server/internal/service"
)

type GenerationHandler struct {
	generationService *service.GenerationService
}

func NewGenerationHandler(generationService *service.GenerationService) *GenerationHandler {
	return &GenerationHandler{
		generationService: generationService,
	}
}

// Get 获取生成记录
// GET /api/v1/generations/:taskId
func (h *GenerationHandler) Get(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	gen, err := h.generationService.Get(c.Request.Context(), userID, c.Param("taskId"))
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, dto.NewGenerationResponse(gen))
}

// AppendSlot 写入单张成功图片
// PUT /api/v1/generations/:taskId/slots/:index
func (h *GenerationHandler) AppendSlot(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		response.ParamError(c, "无效的槽位")
		return
	}

	var req dto.SlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	gen, err := h.generationService.Append(c.Request.Context(), userID, c.Param("taskId"), index, service.SlotOutput{
		ImageURL:  req.ImageURL,
		ModelType: req.ModelType,
		GenMode:   req.GenMode,
		Prompt:    req.Prompt,
	})
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, dto.NewGenerationResponse(gen))
}

// FailSlot 标记单张图片失败
// DELETE /api/v1/generations/:taskId/slots/:index
func (h *GenerationHandler) FailSlot(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		response.ParamError(c, "无效的槽位")
		return
	}

	gen, err := h.generationService.MarkFailed(c.Request.Context(), userID, c.Param("taskId"), index)
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, dto.NewGenerationResponse(gen))
}

// Finalize 写入终态
// POST /api/v1/generations/:taskId/finalize
func (h *GenerationHandler) Finalize(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		response.AuthError(c, "")
		return
	}

	var req dto.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, err.Error())
		return
	}

	gen, err := h.generationService.Finalize(c.Request.Context(), userID, c.Param("taskId"), *req.SuccessCount)
	if err != nil {
		serviceError(c, err)
		return
	}

	response.Success(c, dto.NewGenerationResponse(gen))
}
