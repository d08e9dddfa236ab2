package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 默认错误消息
const (
	MsgParamError     = "Invalid request"
	MsgAuthFailed     = "Unauthorized"
	MsgNotFound       = "Not found"
	MsgInsufficient   = "Insufficient quota"
	MsgConflict       = "Conflict"
	MsgServerError    = "Internal server error"
	MsgRefundDeferred = "Refund could not be recorded"
)

// Success 成功响应，data 需自带 success 字段或为 gin.H
func Success(c *gin.Context, data interface{}) {
	if h, ok := data.(gin.H); ok {
		h["success"] = true
		c.JSON(http.StatusOK, h)
		return
	}
	c.JSON(http.StatusOK, data)
}

// Error 错误响应 {success:false, error}，extra 中的字段平铺在同一层
func Error(c *gin.Context, status int, message string, extra gin.H) {
	body := gin.H{"success": false, "error": message}
	for k, v := range extra {
		if k == "success" || k == "error" {
			continue
		}
		body[k] = v
	}
	c.JSON(status, body)
}

// ParamError 参数错误
func ParamError(c *gin.Context, message string) {
	if message == "" {
		message = MsgParamError
	}
	Error(c, http.StatusBadRequest, message, nil)
}

// AuthError 认证失败
func AuthError(c *gin.Context, message string) {
	if message == "" {
		message = MsgAuthFailed
	}
	Error(c, http.StatusUnauthorized, message, nil)
}

// NotFoundError 资源不存在
func NotFoundError(c *gin.Context, message string) {
	if message == "" {
		message = MsgNotFound
	}
	Error(c, http.StatusNotFound, message, nil)
}

// QuotaError 额度不足，附带当前可用与所需额度
func QuotaError(c *gin.Context, available, required int) {
	Error(c, http.StatusForbidden, MsgInsufficient, gin.H{
		"credits": gin.H{"available": available, "required": required},
	})
}

// ConflictError 重复操作
func ConflictError(c *gin.Context, message string) {
	if message == "" {
		message = MsgConflict
	}
	Error(c, http.StatusConflict, message, nil)
}

// ServerError 服务器错误
func ServerError(c *gin.Context, message string) {
	if message == "" {
		message = MsgServerError
	}
	Error(c, http.StatusInternalServerError, message, nil)
}
