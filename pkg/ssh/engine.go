package ssh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sshcollectorpro/shellexec/pkg/logger"
)

// Engine 命令执行引擎：每次调用建立独立会话，执行一条命令后释放
type Engine struct {
	opts Options
}

// NewEngine 创建引擎，未设置的参数使用默认值
func NewEngine(opts Options) *Engine {
	return &Engine{opts: opts.withDefaults()}
}

// Options 引擎生效的参数
func (e *Engine) Options() Options {
	return e.opts
}

// RunCommand 便捷入口
func RunCommand(ctx context.Context, target Target, command string, opts Options) (*Result, error) {
	return NewEngine(opts).RunCommand(ctx, Request{Target: target, Command: command})
}

// RunCommand 连接设备、关闭分页、执行命令并返回规整后的输出。
// 任一阶段失败都会先释放会话再返回错误，失败时不返回部分结果。
func (e *Engine) RunCommand(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	opts := e.opts
	log := opts.Logger.WithFields(logrus.Fields{
		"host":     req.Target.Host,
		"port":     req.Target.Port,
		"username": req.Target.Username,
		"mode":     string(opts.Mode),
	})
	opts.Logger = log

	start := time.Now()
	log.WithField("command", req.Command).Info("executing command")

	sess, err := Dial(ctx, req.Target, opts)
	if err != nil {
		log.WithError(err).Error("SSH connect failed")
		return nil, err
	}
	defer sess.Close()

	var (
		capture Capture
		stderr  string
	)
	switch opts.Mode {
	case ModeExec:
		capture, stderr, err = sess.RunExec(ctx, req.Command)
	default:
		capture, err = e.runShell(ctx, sess, req.Command)
		if err == nil {
			stderr = sess.Stderr()
		}
	}
	if err != nil {
		log.WithError(err).WithField("kind", KindOf(err).String()).Error("command execution failed")
		return nil, err
	}

	stage := StageDrain
	if opts.Mode == ModeExec {
		stage = StageExec
	}
	if err := e.checkStderr(log, stage, req.Target.Host, stderr); err != nil {
		return nil, err
	}

	normalizer := Normalizer{PagingCommand: opts.PagingCommand, Filter: opts.Filter}
	res := &Result{
		Command:     req.Command,
		RawOutput:   capture.Raw,
		CleanOutput: normalizer.Normalize(capture, req.Command),
		StoppedBy:   capture.StoppedBy,
		Stderr:      stderr,
		Duration:    time.Since(start),
	}
	logger.DebugCommandOutput(log, req.Command, res.CleanOutput, 5)
	log.WithFields(logrus.Fields{
		"stopped_by":  string(res.StoppedBy),
		"duration_ms": res.Duration.Milliseconds(),
		"bytes":       len(res.RawOutput),
	}).Info("command executed")
	return res, nil
}

func (e *Engine) runShell(ctx context.Context, sess *Session, command string) (Capture, error) {
	if err := sess.OpenShell(ctx); err != nil {
		return Capture{}, err
	}
	if _, err := sess.ReadBanner(ctx); err != nil {
		return Capture{}, err
	}
	if err := sess.DisablePaging(ctx); err != nil {
		return Capture{}, err
	}
	c, err := sess.Exec(ctx, command)
	if err != nil {
		return Capture{}, err
	}
	sess.Logout(ctx)
	return c, nil
}

func (e *Engine) checkStderr(log logrus.FieldLogger, stage Stage, host, stderr string) error {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return nil
	}
	switch e.opts.StderrPolicy {
	case StderrIgnore:
		return nil
	case StderrFatal:
		err := newError(KindOperational, stage, host, errors.New(firstLine(stderr)))
		log.WithError(err).Error("device reported an error on stderr")
		return err
	default:
		log.WithField("stderr", stderr).Warn("device wrote to stderr")
		return nil
	}
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i]
	}
	return s
}

// String 便于日志输出
func (r *Result) String() string {
	return fmt.Sprintf("%s (%s, %d bytes, %s)", r.Command, r.StoppedBy, len(r.RawOutput), r.Duration)
}
