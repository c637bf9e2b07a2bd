package model

import (
	"time"
)

// Execution 一次命令执行的记录（不保存密码与命令输出）
type Execution struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	RequestID   string    `json:"request_id" gorm:"type:varchar(64);index"`
	Host        string    `json:"host" gorm:"type:varchar(255);not null;index"`
	Port        int       `json:"port" gorm:"not null;default:22"`
	Username    string    `json:"username" gorm:"type:varchar(64);not null"`
	Command     string    `json:"command" gorm:"type:text;not null"`
	Mode        string    `json:"mode" gorm:"type:varchar(16)"`
	Status      string    `json:"status" gorm:"type:varchar(16);not null;index"`
	ErrorKind   string    `json:"error_kind,omitempty" gorm:"type:varchar(32)"`
	Message     string    `json:"message,omitempty" gorm:"type:text"`
	StoppedBy   string    `json:"stopped_by,omitempty" gorm:"type:varchar(16)"`
	OutputBytes int       `json:"output_bytes"`
	ArchiveKey  string    `json:"archive_key,omitempty" gorm:"type:varchar(512)"`
	Duration    int64     `json:"duration"` // 执行时长，毫秒
	StartTime   time.Time `json:"start_time"`
	CreatedAt   time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// TableName 表名
func (Execution) TableName() string {
	return "executions"
}

// 执行状态
const (
	ExecutionStatusSuccess = "success"
	ExecutionStatusError   = "error"
)
