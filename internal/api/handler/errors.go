package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qs3c/lensgen_server/internal/pkg/response"
	"github.com/qs3c/lensgen_server/internal/service"
)

// serviceError 服务层错误到 HTTP 状态码的映射
func serviceError(c *gin.Context, err error) {
	var quotaErr *service.InsufficientQuotaError
	switch {
	case errors.As(err, &quotaErr):
		response.QuotaError(c, quotaErr.Available, quotaErr.Required)
	case errors.Is(err, service.ErrDuplicateTask):
		response.ConflictError(c, err.Error())
	case errors.Is(err, service.ErrInvalidImageCount),
		errors.Is(err, service.ErrInvalidRefundCount),
		errors.Is(err, service.ErrInvalidSlotIndex),
		errors.Is(err, service.ErrMissingReference):
		response.ParamError(c, err.Error())
	case errors.Is(err, service.ErrGenerationNotFound):
		response.NotFoundError(c, err.Error())
	case errors.Is(err, service.ErrRefundPersistence):
		response.Error(c, http.StatusInternalServerError, response.MsgRefundDeferred, nil)
	default:
		response.ServerError(c, "")
	}
}
