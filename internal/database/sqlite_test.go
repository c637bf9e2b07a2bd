package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/sshcollectorpro/shellexec/internal/config"
	"github.com/sshcollectorpro/shellexec/internal/model"
)

// TestOpenMigratesExecutions 打开数据库并完成迁移
func TestOpenMigratesExecutions(t *testing.T) {
	db, err := Open(config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "nested", "history.db")})
	require.NoError(t, err)
	defer Close(db)

	require.NoError(t, Health(db))
	assert.True(t, db.Migrator().HasTable(&model.Execution{}))

	rec := model.Execution{ID: "e1", Host: "10.0.0.1", Port: 22, Username: "admin", Command: "display version", Status: model.ExecutionStatusSuccess}
	require.NoError(t, db.Create(&rec).Error)

	var got model.Execution
	require.NoError(t, db.First(&got, "id = ?", "e1").Error)
	assert.Equal(t, "display version", got.Command)
	assert.Equal(t, 1, GetStats(db)["max_open_connections"])
}

// TestWithRetry 只对锁冲突重试
func TestWithRetry(t *testing.T) {
	calls := 0
	err := WithRetry(nil, func(*gorm.DB) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	}, 5, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = WithRetry(nil, func(*gorm.DB) error {
		calls++
		return errors.New("no such table")
	}, 5, time.Millisecond)
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

// TestHealthWithoutDatabase 未初始化时返回错误
func TestHealthWithoutDatabase(t *testing.T) {
	assert.Error(t, Health(nil))
	assert.Nil(t, GetStats(nil))
	assert.NoError(t, Close(nil))
}
