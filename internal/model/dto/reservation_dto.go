package dto

import (
	"encoding/json"

	"github.com/qs3c/lensgen_server/internal/ledger"
)

// ReserveRequest 预留额度请求
type ReserveRequest struct {
	TaskID      string          `json:"taskId" binding:"required,max=100"`
	ImageCount  int             `json:"imageCount" binding:"required,min=1"`
	TaskType    string          `json:"taskType" binding:"omitempty,max=50"`
	InputParams json.RawMessage `json:"inputParams,omitempty"`
}

// CreditsInfo 额度信息
type CreditsInfo struct {
	Available    int           `json:"available"`
	Required     int           `json:"required,omitempty"`
	Pools        *ledger.Pools `json:"pools,omitempty"`
	DailyExpired bool          `json:"dailyExpired,omitempty"`
}

// ReserveResponse 预留额度响应
type ReserveResponse struct {
	Success       bool        `json:"success"`
	ReservationID string      `json:"reservationId"`
	ImageCount    int         `json:"imageCount"`
	Credits       CreditsInfo `json:"credits"`
}

// PartialUpdateRequest 部分完成时的额度修正请求，reservationId 与 taskId 二选一
type PartialUpdateRequest struct {
	ReservationID    string `json:"reservationId" binding:"omitempty,max=36"`
	TaskID           string `json:"taskId" binding:"omitempty,max=100"`
	ActualImageCount *int   `json:"actualImageCount" binding:"required,min=0"`
	RefundCount      *int   `json:"refundCount,omitempty" binding:"omitempty,min=0"`
}

// RefundResponse 释放/部分更新响应
type RefundResponse struct {
	Success       bool `json:"success"`
	RefundedCount int  `json:"refundedCount"`
}

// QuotaResponse 额度查询响应
type QuotaResponse struct {
	Success        bool        `json:"success"`
	TotalQuota     int         `json:"totalQuota"`
	UsedCount      int         `json:"usedCount"`
	RemainingQuota int         `json:"remainingQuota"`
	Credits        CreditsInfo `json:"credits"`
}
