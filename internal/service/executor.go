package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/sshcollectorpro/shellexec/internal/config"
	"github.com/sshcollectorpro/shellexec/internal/model"
	"github.com/sshcollectorpro/shellexec/pkg/logger"
	sshc "github.com/sshcollectorpro/shellexec/pkg/ssh"
)

// 响应状态
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ExecService 命令执行服务
type ExecService struct {
	mutex   sync.RWMutex
	running bool
	opts    sshc.Options

	sem            *semaphore.Weighted
	maxConcurrent  int64
	acquireTimeout time.Duration

	history HistoryStore
	archive ArchiveWriter

	// baseCtx 在 Stop 时取消，中断所有在途请求
	baseCtx    context.Context
	baseCancel context.CancelFunc
	inflight   sync.WaitGroup

	statsMu   sync.Mutex
	stats     Stats
	startedAt time.Time
}

// ExecuteRequest 执行请求
type ExecuteRequest struct {
	RequestID  string `json:"-"`
	Host       string `json:"host" binding:"required"`
	Port       int    `json:"port,omitempty"`
	Username   string `json:"username" binding:"required"`
	Password   string `json:"password" binding:"required"`
	Command    string `json:"command" binding:"required"`
	StopPolicy string `json:"stop_policy,omitempty"` // auto | prompt | quiescence
	Mode       string `json:"mode,omitempty"`        // shell | exec
}

// ExecuteResponse 执行响应：成功带 output，失败带 message 与 error_kind
type ExecuteResponse struct {
	Status     string `json:"status" yaml:"status"`
	Host       string `json:"host" yaml:"host"`
	Command    string `json:"command" yaml:"command"`
	Output     string `json:"output,omitempty" yaml:"output,omitempty"`
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Stderr     string `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	StoppedBy  string `json:"stopped_by,omitempty" yaml:"stopped_by,omitempty"`
	RequestID  string `json:"request_id,omitempty" yaml:"request_id,omitempty"`
	ArchiveURI string `json:"archive_uri,omitempty" yaml:"archive_uri,omitempty"`
	DurationMS int64  `json:"duration_ms" yaml:"duration_ms"`
}

// Stats 执行统计
type Stats struct {
	Running       bool             `json:"running"`
	Total         int64            `json:"total"`
	Success       int64            `json:"success"`
	Failed        int64            `json:"failed"`
	Active        int64            `json:"active"`
	MaxConcurrent int64            `json:"max_concurrent"`
	ByKind        map[string]int64 `json:"by_kind"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// NewExecService 创建执行服务；history 与 archive 可为 nil
func NewExecService(cfg *config.Config, history HistoryStore, archive ArchiveWriter) (*ExecService, error) {
	opts, err := cfg.SSH.EngineOptions()
	if err != nil {
		return nil, err
	}
	maxConcurrent := int64(cfg.SSH.MaxConcurrent)
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &ExecService{
		opts:           opts,
		sem:            semaphore.NewWeighted(maxConcurrent),
		maxConcurrent:  maxConcurrent,
		acquireTimeout: cfg.SSH.AcquireTimeout,
		history:        history,
		archive:        archive,
		stats:          Stats{ByKind: map[string]int64{}},
	}, nil
}

// Start 启动执行服务
func (s *ExecService) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return fmt.Errorf("exec service is already running")
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.startedAt = time.Now()
	logger.Info("Exec service started")
	return nil
}

// Stop 停止服务：拒绝新请求，取消在途请求并等待其释放会话
func (s *ExecService) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	s.baseCancel()
	s.mutex.Unlock()

	s.inflight.Wait()
	logger.Info("Exec service stopped")
	return nil
}

// UpdateOptions 热更新引擎参数，只影响之后的请求
func (s *ExecService) UpdateOptions(cfg config.SSHConfig) error {
	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	s.mutex.Lock()
	s.opts = opts
	s.mutex.Unlock()
	return nil
}

// Options 当前引擎参数
func (s *ExecService) Options() sshc.Options {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.opts
}

// History 历史存储，未启用时为 nil
func (s *ExecService) History() HistoryStore {
	return s.history
}

// Execute 执行一条命令；错误以响应形式返回，不会同时返回部分输出
func (s *ExecService) Execute(ctx context.Context, req *ExecuteRequest) *ExecuteResponse {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.Command = strings.TrimSpace(req.Command)
	log := logger.ForRequest(req.RequestID).WithFields(logrus.Fields{
		"host":    req.Host,
		"command": req.Command,
	})
	start := time.Now()

	s.mutex.RLock()
	running, opts, baseCtx := s.running, s.opts, s.baseCtx
	if running {
		s.inflight.Add(1)
	}
	s.mutex.RUnlock()
	if !running {
		return s.fail(req, start, &sshc.Error{Kind: sshc.KindOperational, Host: req.Host, Err: errors.New("exec service is not running")})
	}
	defer s.inflight.Done()

	if err := applyOverrides(&opts, req); err != nil {
		return s.finish(ctx, log, req, start, opts, nil, err)
	}
	opts.Logger = log

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(baseCtx, cancel)
	defer stop()

	if err := s.acquire(runCtx); err != nil {
		log.WithError(err).Warn("no execution slot available")
		return s.finish(ctx, log, req, start, opts, nil, err)
	}
	defer s.sem.Release(1)
	s.addActive(1)
	defer s.addActive(-1)

	res, err := sshc.NewEngine(opts).RunCommand(runCtx, sshc.Request{
		Target: sshc.Target{
			Host:     req.Host,
			Port:     req.Port,
			Username: req.Username,
			Password: req.Password,
		},
		Command: req.Command,
	})
	return s.finish(ctx, log, req, start, opts, res, err)
}

// acquire 等待执行槽位，受 acquire_timeout 与请求上下文约束
func (s *ExecService) acquire(ctx context.Context) error {
	waitCtx := ctx
	if s.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.acquireTimeout)
		defer cancel()
	}
	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		kind := sshc.KindTimeout
		if errors.Is(ctx.Err(), context.Canceled) {
			kind = sshc.KindOperational
		}
		return &sshc.Error{Kind: kind, Err: fmt.Errorf("waiting for execution slot: %w", err)}
	}
	return nil
}

func applyOverrides(opts *sshc.Options, req *ExecuteRequest) error {
	if req.StopPolicy != "" {
		p, err := sshc.ParsePolicy(req.StopPolicy)
		if err != nil {
			return &sshc.Error{Kind: sshc.KindInvalid, Stage: sshc.StageValidate, Err: err}
		}
		opts.StopPolicy = p
	}
	if req.Mode != "" {
		m, err := sshc.ParseMode(req.Mode)
		if err != nil {
			return &sshc.Error{Kind: sshc.KindInvalid, Stage: sshc.StageValidate, Err: err}
		}
		opts.Mode = m
	}
	return nil
}

func (s *ExecService) finish(ctx context.Context, log *logrus.Entry, req *ExecuteRequest, start time.Time, opts sshc.Options, res *sshc.Result, err error) *ExecuteResponse {
	var resp *ExecuteResponse
	if err != nil {
		resp = s.fail(req, start, err)
	} else {
		resp = &ExecuteResponse{
			Status:     StatusSuccess,
			Host:       req.Host,
			Command:    res.Command,
			Output:     res.CleanOutput,
			Stderr:     res.Stderr,
			StoppedBy:  string(res.StoppedBy),
			RequestID:  req.RequestID,
			DurationMS: time.Since(start).Milliseconds(),
		}
		s.count(StatusSuccess, "")
		if uri := s.archiveResult(ctx, log, req, start, res); uri != "" {
			resp.ArchiveURI = uri
		}
	}
	s.record(ctx, log, req, start, opts, res, resp)
	return resp
}

func (s *ExecService) fail(req *ExecuteRequest, start time.Time, err error) *ExecuteResponse {
	kind := sshc.KindOf(err).String()
	s.count(StatusError, kind)
	return &ExecuteResponse{
		Status:     StatusError,
		Host:       req.Host,
		Command:    req.Command,
		Message:    err.Error(),
		ErrorKind:  kind,
		RequestID:  req.RequestID,
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// archiveResult 归档原始与规整后的输出，失败只记录日志
func (s *ExecService) archiveResult(ctx context.Context, log *logrus.Entry, req *ExecuteRequest, start time.Time, res *sshc.Result) string {
	if s.archive == nil {
		return ""
	}
	meta := ArchiveMeta{RequestID: req.RequestID, Host: req.Host, StartTime: start}
	obj, err := s.archive.Write(ctx, meta, "clean", res.CleanOutput)
	if err != nil {
		log.WithError(err).Warn("archive clean output failed")
		if obj.URI == "" {
			return ""
		}
	}
	if _, err := s.archive.Write(ctx, meta, "raw", res.RawOutput); err != nil {
		log.WithError(err).Warn("archive raw output failed")
	}
	return obj.URI
}

// record 写入执行历史；不保存密码与输出
func (s *ExecService) record(ctx context.Context, log *logrus.Entry, req *ExecuteRequest, start time.Time, opts sshc.Options, res *sshc.Result, resp *ExecuteResponse) {
	if s.history == nil {
		return
	}
	port := req.Port
	if port == 0 {
		port = 22
	}
	rec := &model.Execution{
		ID:         uuid.NewString(),
		RequestID:  req.RequestID,
		Host:       req.Host,
		Port:       port,
		Username:   req.Username,
		Command:    req.Command,
		Mode:       string(opts.Mode),
		Status:     resp.Status,
		ErrorKind:  resp.ErrorKind,
		Message:    resp.Message,
		StoppedBy:  resp.StoppedBy,
		ArchiveKey: resp.ArchiveURI,
		Duration:   resp.DurationMS,
		StartTime:  start,
	}
	if res != nil {
		rec.OutputBytes = len(res.RawOutput)
	}
	if err := s.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		log.WithError(err).Warn("failed to record execution history")
	}
}

func (s *ExecService) count(status, kind string) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Total++
	if status == StatusSuccess {
		s.stats.Success++
		return
	}
	s.stats.Failed++
	s.stats.ByKind[kind]++
}

func (s *ExecService) addActive(n int64) {
	s.statsMu.Lock()
	s.stats.Active += n
	s.statsMu.Unlock()
}

// GetStats 获取执行统计
func (s *ExecService) GetStats() Stats {
	s.mutex.RLock()
	running, startedAt := s.running, s.startedAt
	s.mutex.RUnlock()

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	out := s.stats
	out.Running = running
	out.MaxConcurrent = s.maxConcurrent
	out.ByKind = make(map[string]int64, len(s.stats.ByKind))
	for k, v := range s.stats.ByKind {
		out.ByKind[k] = v
	}
	if running {
		out.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	return out
}
