package service

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/shellexec/internal/config"
	"github.com/sshcollectorpro/shellexec/internal/database"
	"github.com/sshcollectorpro/shellexec/internal/model"
)

func openHistory(t *testing.T) *GormHistoryStore {
	t.Helper()
	db, err := database.Open(config.SQLiteConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "history.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return NewGormHistoryStore(db)
}

// TestHistoryRecordAndList 写入后按条件分页查询，最新的在前
func TestHistoryRecordAndList(t *testing.T) {
	store := openHistory(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		status := model.ExecutionStatusSuccess
		if i%2 == 1 {
			status = model.ExecutionStatusError
		}
		host := "10.0.0.1"
		if i == 4 {
			host = "10.0.0.2"
		}
		require.NoError(t, store.Record(ctx, &model.Execution{
			ID:        fmt.Sprintf("e%d", i),
			Host:      host,
			Port:      22,
			Username:  "admin",
			Command:   fmt.Sprintf("display cmd %d", i),
			Status:    status,
			StartTime: base,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	items, total, err := store.List(ctx, HistoryFilter{Host: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
	require.Len(t, items, 4)
	assert.Equal(t, "e3", items[0].ID)

	items, total, err = store.List(ctx, HistoryFilter{Status: model.ExecutionStatusError})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, items, 2)

	items, total, err = store.List(ctx, HistoryFilter{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, items, 2)
	assert.Equal(t, "e2", items[0].ID)
}

func TestHistoryFilterNormalized(t *testing.T) {
	f := HistoryFilter{Page: -1, PageSize: 1000}.Normalized()
	assert.Equal(t, 1, f.Page)
	assert.Equal(t, 200, f.PageSize)
	assert.Equal(t, 20, HistoryFilter{}.Normalized().PageSize)
}
