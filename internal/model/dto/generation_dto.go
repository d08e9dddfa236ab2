package dto

import (
	"encoding/json"
	"time"

	"github.com/qs3c/lensgen_server/internal/model"
)

// SlotRequest 写入单张图片结果
type SlotRequest struct {
	ImageURL  string  `json:"imageUrl" binding:"required"`
	ModelType string  `json:"modelType" binding:"omitempty,max=100"`
	GenMode   string  `json:"genMode" binding:"omitempty,max=50"`
	Prompt    *string `json:"prompt,omitempty"`
}

// FinalizeRequest 终态写入请求
type FinalizeRequest struct {
	SuccessCount *int `json:"successCount" binding:"required,min=0"`
}

// GenerationResponse 生成记录
type GenerationResponse struct {
	Success          bool            `json:"success"`
	ID               string          `json:"id"`
	TaskID           string          `json:"taskId"`
	TaskType         string          `json:"taskType"`
	Status           string          `json:"status"`
	TotalImagesCount int             `json:"totalImagesCount"`
	ReservedCount    int             `json:"reservedCount"`
	OutputImageURLs  []*string       `json:"outputImageUrls"`
	OutputModelTypes []*string       `json:"outputModelTypes"`
	OutputGenModes   []*string       `json:"outputGenModes"`
	Prompts          []*string       `json:"prompts"`
	SlotStates       []string        `json:"slotStates"`
	InputParams      json.RawMessage `json:"inputParams,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	CompletedAt      *time.Time      `json:"completedAt,omitempty"`
}

// NewGenerationResponse 转换生成记录
func NewGenerationResponse(g *model.Generation) *GenerationResponse {
	states := make([]string, len(g.SlotStates))
	for i, s := range g.SlotStates {
		states[i] = string(s)
	}

	resp := &GenerationResponse{
		Success:          true,
		ID:               g.ID,
		TaskID:           g.TaskID,
		TaskType:         g.TaskType,
		Status:           g.Status,
		TotalImagesCount: g.TotalImagesCount,
		ReservedCount:    g.ReservedCount,
		OutputImageURLs:  g.OutputImageURLs,
		OutputModelTypes: g.OutputModelTypes,
		OutputGenModes:   g.OutputGenModes,
		Prompts:          g.Prompts,
		SlotStates:       states,
		CreatedAt:        g.CreatedAt,
		UpdatedAt:        g.UpdatedAt,
		CompletedAt:      g.CompletedAt,
	}
	if len(g.InputParams) > 0 {
		resp.InputParams = json.RawMessage(g.InputParams)
	}
	return resp
}
