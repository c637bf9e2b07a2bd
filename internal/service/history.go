package service

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/sshcollectorpro/shellexec/internal/database"
	"github.com/sshcollectorpro/shellexec/internal/model"
)

// HistoryStore 执行历史
type HistoryStore interface {
	Record(ctx context.Context, rec *model.Execution) error
	List(ctx context.Context, filter HistoryFilter) ([]model.Execution, int64, error)
}

// HistoryFilter 历史查询条件
type HistoryFilter struct {
	Host     string
	Status   string
	Page     int
	PageSize int
}

// Normalized 补齐分页默认值并限制每页条数
func (f HistoryFilter) Normalized() HistoryFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 200 {
		f.PageSize = 200
	}
	return f
}

// GormHistoryStore 基于 gorm 的历史存储
type GormHistoryStore struct {
	db *gorm.DB
}

// NewGormHistoryStore 创建历史存储
func NewGormHistoryStore(db *gorm.DB) *GormHistoryStore {
	return &GormHistoryStore{db: db}
}

// Record 写入一条记录，并发锁冲突时重试
func (s *GormHistoryStore) Record(ctx context.Context, rec *model.Execution) error {
	return database.WithRetry(s.db, func(db *gorm.DB) error {
		return db.WithContext(ctx).Create(rec).Error
	}, 3, 50*time.Millisecond)
}

// List 按创建时间倒序分页查询
func (s *GormHistoryStore) List(ctx context.Context, filter HistoryFilter) ([]model.Execution, int64, error) {
	filter = filter.Normalized()
	q := s.db.WithContext(ctx).Model(&model.Execution{})
	if filter.Host != "" {
		q = q.Where("host = ?", filter.Host)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var items []model.Execution
	err := q.Order("created_at DESC").
		Offset((filter.Page - 1) * filter.PageSize).
		Limit(filter.PageSize).
		Find(&items).Error
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
