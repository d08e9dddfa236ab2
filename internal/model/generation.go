package model

import (
	"time"

	"gorm.io/datatypes"

	"github.com/qs3c/lensgen_server/internal/ledger"
)

// 生成记录状态
const (
	GenerationPending   = "pending"
	GenerationCompleted = "completed"
	GenerationFailed    = "failed"
)

// SlotState 单张图片槽位的处理结果
type SlotState string

const (
	SlotUnattempted SlotState = "unattempted"
	SlotSucceeded   SlotState = "succeeded"
	SlotFailed      SlotState = "failed"
)

// Generation 生成记录，一个任务一条
type Generation struct {
	ID       string `gorm:"primaryKey;size:36" json:"id"`
	UserID   int64  `gorm:"not null;uniqueIndex:idx_generations_user_task,priority:1" json:"user_id"`
	TaskID   string `gorm:"size:100;not null;uniqueIndex:idx_generations_user_task,priority:2" json:"task_id"`
	TaskType string `gorm:"size:50" json:"task_type"`
	Status   string `gorm:"size:20;default:pending;index" json:"status"` // pending, completed, failed

	// 预留时扣除的图片数；markFailed 自修正后等于成功数
	TotalImagesCount int `gorm:"not null;default:0" json:"total_images_count"`
	// 仍处于扣除状态的额度，只由预留、释放、部分更新修改
	ReservedCount int `gorm:"not null;default:0" json:"reserved_count"`

	OutputImageURLs  datatypes.JSONSlice[*string]   `gorm:"column:output_image_urls" json:"output_image_urls"`
	OutputModelTypes datatypes.JSONSlice[*string]   `gorm:"column:output_model_types" json:"output_model_types"`
	OutputGenModes   datatypes.JSONSlice[*string]   `gorm:"column:output_gen_modes" json:"output_gen_modes"`
	Prompts          datatypes.JSONSlice[*string]   `gorm:"column:prompts" json:"prompts"`
	SlotStates       datatypes.JSONSlice[SlotState] `gorm:"column:slot_states" json:"slot_states"`

	Debit       datatypes.JSONType[ledger.Debit] `gorm:"column:debit" json:"-"`
	InputParams datatypes.JSON                   `gorm:"column:input_params" json:"input_params,omitempty"`

	Version     int64      `gorm:"not null;default:0" json:"-"`
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (Generation) TableName() string {
	return "generations"
}

// EnsureSlots 把输出数组补齐到 n 个槽位（空值填充）
func (g *Generation) EnsureSlots(n int) {
	for len(g.SlotStates) < n {
		g.SlotStates = append(g.SlotStates, SlotUnattempted)
	}
	g.OutputImageURLs = padSlice(g.OutputImageURLs, len(g.SlotStates))
	g.OutputModelTypes = padSlice(g.OutputModelTypes, len(g.SlotStates))
	g.OutputGenModes = padSlice(g.OutputGenModes, len(g.SlotStates))
	g.Prompts = padSlice(g.Prompts, len(g.SlotStates))
}

// SuccessCount 成功槽位数
func (g *Generation) SuccessCount() int {
	n := 0
	for _, s := range g.SlotStates {
		if s == SlotSucceeded {
			n++
		}
	}
	return n
}

// AllVisited 所有槽位都已处理（成功或失败）
func (g *Generation) AllVisited() bool {
	if len(g.SlotStates) == 0 {
		return false
	}
	for _, s := range g.SlotStates {
		if s == SlotUnattempted {
			return false
		}
	}
	return true
}

// IsTerminal 是否已进入终态
func (g *Generation) IsTerminal() bool {
	return g.Status == GenerationCompleted || g.Status == GenerationFailed
}

func padSlice(s datatypes.JSONSlice[*string], n int) datatypes.JSONSlice[*string] {
	for len(s) < n {
		s = append(s, nil)
	}
	return s
}
