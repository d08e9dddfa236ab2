package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrVersionConflict 条件更新未命中（记录已被其他请求修改）
var ErrVersionConflict = errors.New("record modified concurrently")

// RollbackError 事务回滚本身失败，数据需要人工对账
type RollbackError struct {
	Cause    error
	Rollback error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%v (rollback failed: %v)", e.Cause, e.Rollback)
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}

// TxManager 显式管理事务，回滚失败时返回 RollbackError 而不是吞掉
type TxManager struct {
	db *gorm.DB
}

func NewTxManager(db *gorm.DB) *TxManager {
	return &TxManager{db: db}
}

// Do 在一个事务内执行 fn，fn 返回错误时回滚
func (m *TxManager) Do(ctx context.Context, fn func(tx *gorm.DB) error) (err error) {
	tx := m.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback().Error; rbErr != nil && !errors.Is(rbErr, gorm.ErrInvalidTransaction) {
			return &RollbackError{Cause: err, Rollback: rbErr}
		}
		return err
	}

	return tx.Commit().Error
}
