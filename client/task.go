// Package client 客户端侧的乐观状态：任务镜像、额度缓存以及访问服务端的 HTTP 客户端
package client

import (
	"errors"
	"time"
)

// ErrTaskTimeout 任务在刷新/重启后长时间没有结果，被判定为失败
var ErrTaskTimeout = errors.New("task timed out before completion")

var ErrTaskNotFound = errors.New("task not found")

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusGenerating TaskStatus = "generating"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ImageSlot 单张图片在客户端的状态
type ImageSlot struct {
	Index     int        `json:"index"`
	Status    TaskStatus `json:"status"`
	ImageURL  string     `json:"imageUrl,omitempty"`
	ModelType string     `json:"modelType,omitempty"`
	GenMode   string     `json:"genMode,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// SlotPatch 合并到槽位上的增量，nil 字段保持不变
type SlotPatch struct {
	Status    *TaskStatus
	ImageURL  *string
	ModelType *string
	GenMode   *string
	Error     *string
}

// Task 客户端任务，Status 由槽位推导
type Task struct {
	ID                 string      `json:"id"`
	Type               string      `json:"type"`
	Status             TaskStatus  `json:"status"`
	ReservationID      string      `json:"reservationId,omitempty"`
	ImageSlots         []ImageSlot `json:"imageSlots"`
	ExpectedImageCount int         `json:"expectedImageCount"`
	CreatedAt          time.Time   `json:"createdAt"`
}

// SuccessCount 已完成的槽位数
func (t *Task) SuccessCount() int {
	n := 0
	for _, s := range t.ImageSlots {
		if s.Status == StatusCompleted {
			n++
		}
	}
	return n
}

func (t *Task) clone() Task {
	out := *t
	out.ImageSlots = append([]ImageSlot(nil), t.ImageSlots...)
	return out
}

// deriveStatus 没有槽位时为 pending；有槽位在生成中或尚未开始时为 generating；
// 全部结束后至少一张成功为 completed，否则 failed
func deriveStatus(slots []ImageSlot) TaskStatus {
	if len(slots) == 0 {
		return StatusPending
	}

	success := 0
	for _, s := range slots {
		switch s.Status {
		case StatusPending, StatusGenerating:
			return StatusGenerating
		case StatusCompleted:
			success++
		}
	}
	if success > 0 {
		return StatusCompleted
	}
	return StatusFailed
}

func (p SlotPatch) apply(s *ImageSlot) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.ImageURL != nil {
		s.ImageURL = *p.ImageURL
	}
	if p.ModelType != nil {
		s.ModelType = *p.ModelType
	}
	if p.GenMode != nil {
		s.GenMode = *p.GenMode
	}
	if p.Error != nil {
		s.Error = *p.Error
	}
}

// Completed 成功结果的补丁
func Completed(imageURL, modelType, genMode string) SlotPatch {
	st := StatusCompleted
	return SlotPatch{Status: &st, ImageURL: &imageURL, ModelType: &modelType, GenMode: &genMode}
}

// Failed 失败结果的补丁
func Failed(reason string) SlotPatch {
	st := StatusFailed
	return SlotPatch{Status: &st, Error: &reason}
}

// Generating 开始生成的补丁
func Generating() SlotPatch {
	st := StatusGenerating
	return SlotPatch{Status: &st}
}
