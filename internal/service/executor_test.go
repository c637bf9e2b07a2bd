package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshcollectorpro/shellexec/internal/config"
	"github.com/sshcollectorpro/shellexec/internal/model"
	"github.com/sshcollectorpro/shellexec/pkg/logger"
	"github.com/sshcollectorpro/shellexec/simulate"
)

func init() {
	logger.GetLogger().SetOutput(io.Discard)
}

func testConfig() *config.Config {
	return &config.Config{
		SSH: config.SSHConfig{
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    200 * time.Millisecond,
			MaxIdleReads:   3,
			MaxReads:       50,
			PromptGrace:    20 * time.Millisecond,
			StopPolicy:     "auto",
			StderrPolicy:   "advisory",
			Mode:           "shell",
			ExitCommand:    "quit",
			MaxConcurrent:  4,
			AcquireTimeout: time.Second,
		},
	}
}

func startDevice(t *testing.T, cfg simulate.DeviceConfig) *simulate.Server {
	t.Helper()
	cfg.Username = "admin"
	cfg.Password = "nova"
	if cfg.Hostname == "" {
		cfg.Hostname = "HUAWEI"
	}
	if cfg.Commands == nil {
		cfg.Commands = []simulate.CommandReply{
			{Command: "display clock", Output: "2026-10-14 10:00:00+08:00\n"},
		}
	}
	srv, err := simulate.NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func newRequest(srv *simulate.Server, command string) *ExecuteRequest {
	return &ExecuteRequest{
		Host:     "127.0.0.1",
		Port:     srv.Port(),
		Username: "admin",
		Password: "nova",
		Command:  command,
	}
}

func newService(t *testing.T, cfg *config.Config, history HistoryStore, archive ArchiveWriter) *ExecService {
	t.Helper()
	svc, err := NewExecService(cfg, history, archive)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

type memoryHistory struct {
	mu      sync.Mutex
	records []model.Execution
	err     error
}

func (m *memoryHistory) Record(_ context.Context, rec *model.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, *rec)
	return nil
}

func (m *memoryHistory) List(context.Context, HistoryFilter) ([]model.Execution, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Execution(nil), m.records...), int64(len(m.records)), nil
}

type memoryArchive struct {
	mu    sync.Mutex
	files map[string]string
}

func (m *memoryArchive) Write(_ context.Context, meta ArchiveMeta, name string, content string) (StoredObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files == nil {
		m.files = map[string]string{}
	}
	m.files[name] = content
	return StoredObject{URI: "mem://" + meta.RequestID + "/" + name, Size: int64(len(content))}, nil
}

// TestExecuteSuccess 成功执行：返回规整输出，写入历史与归档
func TestExecuteSuccess(t *testing.T) {
	srv := startDevice(t, simulate.DeviceConfig{})
	history := &memoryHistory{}
	archive := &memoryArchive{}
	svc := newService(t, testConfig(), history, archive)

	req := newRequest(srv, "display clock")
	req.RequestID = "req-1"
	resp := svc.Execute(context.Background(), req)

	require.Equal(t, StatusSuccess, resp.Status, resp.Message)
	assert.Equal(t, "2026-10-14 10:00:00+08:00", resp.Output)
	assert.Equal(t, "prompt", resp.StoppedBy)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, "mem://req-1/clean", resp.ArchiveURI)
	assert.Empty(t, resp.ErrorKind)

	require.Len(t, history.records, 1)
	rec := history.records[0]
	assert.Equal(t, model.ExecutionStatusSuccess, rec.Status)
	assert.Equal(t, srv.Port(), rec.Port)
	assert.Equal(t, "shell", rec.Mode)
	assert.Positive(t, rec.OutputBytes)
	assert.Equal(t, resp.ArchiveURI, rec.ArchiveKey)

	assert.Equal(t, "2026-10-14 10:00:00+08:00", archive.files["clean"])
	assert.Contains(t, archive.files["raw"], "<HUAWEI>")

	stats := svc.GetStats()
	assert.True(t, stats.Running)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.Success)
	assert.Equal(t, int64(0), stats.Active)
}

// TestExecuteAuthFailure 密码错误返回 AuthError 形状的响应
func TestExecuteAuthFailure(t *testing.T) {
	srv := startDevice(t, simulate.DeviceConfig{})
	history := &memoryHistory{}
	svc := newService(t, testConfig(), history, nil)

	req := newRequest(srv, "  display clock\n")
	req.Password = "wrong"
	resp := svc.Execute(context.Background(), req)

	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "AuthError", resp.ErrorKind)
	assert.Equal(t, "display clock", resp.Command, "失败时同样回显去除空白后的命令")
	assert.Empty(t, resp.Output)
	assert.NotEmpty(t, resp.Message)
	assert.NotContains(t, resp.Message, "wrong", "消息中不应出现密码")

	require.Len(t, history.records, 1)
	assert.Equal(t, model.ExecutionStatusError, history.records[0].Status)
	assert.Equal(t, "AuthError", history.records[0].ErrorKind)
	assert.Equal(t, int64(1), svc.GetStats().ByKind["AuthError"])
}

// TestExecuteInvalidOverrides 非法的 stop_policy / mode 直接拒绝
func TestExecuteInvalidOverrides(t *testing.T) {
	srv := startDevice(t, simulate.DeviceConfig{})
	svc := newService(t, testConfig(), nil, nil)

	req := newRequest(srv, "display clock")
	req.StopPolicy = "marker"
	resp := svc.Execute(context.Background(), req)
	assert.Equal(t, "InvalidRequest", resp.ErrorKind)

	req = newRequest(srv, "display clock")
	req.Mode = "telnet"
	resp = svc.Execute(context.Background(), req)
	assert.Equal(t, "InvalidRequest", resp.ErrorKind)

	req = newRequest(srv, "   ")
	resp = svc.Execute(context.Background(), req)
	assert.Equal(t, "InvalidRequest", resp.ErrorKind)
	assert.Empty(t, srv.Received(), "非法请求不应连接设备")
}

// TestExecuteExecMode 请求级覆盖为 exec 方式
func TestExecuteExecMode(t *testing.T) {
	srv := startDevice(t, simulate.DeviceConfig{})
	svc := newService(t, testConfig(), nil, nil)

	req := newRequest(srv, "display clock")
	req.Mode = "exec"
	resp := svc.Execute(context.Background(), req)
	require.Equal(t, StatusSuccess, resp.Status, resp.Message)
	assert.Equal(t, "2026-10-14 10:00:00+08:00", resp.Output)
}

// TestExecuteHistoryFailureIgnored 历史写入失败不影响响应
func TestExecuteHistoryFailureIgnored(t *testing.T) {
	srv := startDevice(t, simulate.DeviceConfig{})
	svc := newService(t, testConfig(), &memoryHistory{err: errors.New("disk full")}, nil)

	resp := svc.Execute(context.Background(), newRequest(srv, "display clock"))
	assert.Equal(t, StatusSuccess, resp.Status)
}

// TestExecuteSlotExhausted 并发上限已满时等待超时，Stop 取消在途请求
func TestExecuteSlotExhausted(t *testing.T) {
	stalled := startDevice(t, simulate.DeviceConfig{Stall: true})
	cfg := testConfig()
	cfg.SSH.MaxConcurrent = 1
	cfg.SSH.AcquireTimeout = 100 * time.Millisecond
	cfg.SSH.ReadTimeout = 2 * time.Second
	svc, err := NewExecService(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	first := make(chan *ExecuteResponse, 1)
	go func() {
		first <- svc.Execute(context.Background(), newRequest(stalled, "display clock"))
	}()
	require.Eventually(t, func() bool { return svc.GetStats().Active == 1 }, 2*time.Second, 10*time.Millisecond)

	resp := svc.Execute(context.Background(), newRequest(stalled, "display clock"))
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "TimeoutError", resp.ErrorKind)
	assert.Contains(t, resp.Message, "execution slot")

	start := time.Now()
	require.NoError(t, svc.Stop())
	assert.Less(t, time.Since(start), 2*time.Second, "Stop 应中断在途请求")

	select {
	case r := <-first:
		assert.Equal(t, StatusError, r.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("在途请求未结束")
	}
	require.Eventually(t, func() bool { return stalled.ActiveConns() == 0 }, 2*time.Second, 20*time.Millisecond)

	resp = svc.Execute(context.Background(), newRequest(stalled, "display clock"))
	assert.Equal(t, "OperationalError", resp.ErrorKind)
	assert.False(t, svc.GetStats().Running)
}

// TestUpdateOptions 热更新只接受合法配置
func TestUpdateOptions(t *testing.T) {
	svc := newService(t, testConfig(), nil, nil)

	ssh := testConfig().SSH
	ssh.StopPolicy = "quiescence"
	require.NoError(t, svc.UpdateOptions(ssh))
	assert.Equal(t, "quiescence", string(svc.Options().StopPolicy))

	ssh.Mode = "telnet"
	assert.Error(t, svc.UpdateOptions(ssh))
	assert.Equal(t, "quiescence", string(svc.Options().StopPolicy))
}
