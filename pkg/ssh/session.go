package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Session 单次请求独占的 SSH 会话。
// 状态只会沿 Disconnected -> Connected -> ShellOpen -> PagingDisabled -> CommandSent -> Draining 前进，
// 任意状态都可以进入 Closed；同一会话上的写入与读取严格串行。
type Session struct {
	target Target
	opts   Options
	log    logrus.FieldLogger

	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	reader  *Reader
	stderr  *syncBuffer

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
}

func newSession(target Target, opts Options) *Session {
	return &Session{
		target: target,
		opts:   opts,
		log:    opts.Logger,
		state:  StateDisconnected,
	}
}

// State 当前会话状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	if prev != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
	if prev != StateClosed {
		s.log.WithField("from", prev.String()).WithField("to", st.String()).Debug("session state changed")
	}
}

// Close 释放通道与连接，可重复调用，资源只释放一次（先通道后连接）
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		s.mu.Lock()
		reader, sess, client := s.reader, s.session, s.client
		s.mu.Unlock()
		if reader != nil {
			reader.Close()
		}
		if sess != nil {
			_ = sess.Close()
		}
		if client != nil {
			err = client.Close()
		}
		s.log.Debug("SSH session closed")
	})
	return err
}

// bounded 在限定时间内执行可能阻塞的操作，超时或取消时关闭会话使其返回
func (s *Session) bounded(ctx context.Context, stage Stage, d time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			return classify(stage, s.target.Host, err)
		}
		return nil
	case <-timer.C:
		_ = s.Close()
		return newError(KindTimeout, stage, s.target.Host, fmt.Errorf("no response within %s", d))
	case <-ctx.Done():
		_ = s.Close()
		return classify(stage, s.target.Host, ctx.Err())
	}
}

// OpenShell 分配 PTY（按终端类型依次回退）并启动交互式 Shell
func (s *Session) OpenShell(ctx context.Context) error {
	if st := s.State(); st != StateConnected {
		return newError(KindOperational, StageOpenShell, s.target.Host, fmt.Errorf("cannot open shell in state %s", st))
	}

	var (
		sess   *ssh.Session
		stdin  io.WriteCloser
		stdout io.Reader
		stderr io.Reader
	)
	err := s.bounded(ctx, StageOpenShell, s.opts.ConnectTimeout, func() error {
		var err error
		sess, err = s.client.NewSession()
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		var ptyErr error
		for _, term := range s.opts.Terminal.Types {
			if ptyErr = sess.RequestPty(term, s.opts.Terminal.Height, s.opts.Terminal.Width, modes); ptyErr == nil {
				s.log.WithField("term", term).Debug("PTY allocated")
				break
			}
		}
		if ptyErr != nil {
			_ = sess.Close()
			return fmt.Errorf("failed to request PTY: %w", ptyErr)
		}

		if stdin, err = sess.StdinPipe(); err != nil {
			_ = sess.Close()
			return fmt.Errorf("failed to get stdin pipe: %w", err)
		}
		if stdout, err = sess.StdoutPipe(); err != nil {
			_ = sess.Close()
			return fmt.Errorf("failed to get stdout pipe: %w", err)
		}
		if stderr, err = sess.StderrPipe(); err != nil {
			_ = sess.Close()
			return fmt.Errorf("failed to get stderr pipe: %w", err)
		}
		if err = sess.Shell(); err != nil {
			_ = sess.Close()
			return fmt.Errorf("failed to start shell: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.session = sess
	s.stdin = stdin
	s.reader = NewReader(stdout, s.opts.readerOptions())
	s.stderr = &syncBuffer{}
	s.mu.Unlock()
	go func() { _, _ = io.Copy(s.stderr, stderr) }()

	s.setState(StateShellOpen)
	return nil
}

// write 发送一行文本（自动追加换行），写入同样受时限约束
func (s *Session) write(ctx context.Context, stage Stage, line string) error {
	if s.stdin == nil {
		return newError(KindOperational, stage, s.target.Host, fmt.Errorf("shell is not open"))
	}
	return s.bounded(ctx, stage, s.opts.ReadTimeout, func() error {
		_, err := io.WriteString(s.stdin, line+"\n")
		return err
	})
}

// drain 读取一次响应；错误统一标注阶段与主机
func (s *Session) drain(ctx context.Context, stage Stage, cond StopCondition) (Capture, error) {
	c, err := s.reader.Drain(ctx, cond)
	if err != nil {
		return c, classify(stage, s.target.Host, err)
	}
	return c, nil
}

// drainLenient 用于 banner 与分页指令的响应：读取超时视为没有输出
func (s *Session) drainLenient(ctx context.Context, stage Stage) (Capture, error) {
	c, err := s.drain(ctx, stage, PolicyCondition(s.opts.StopPolicy, s.opts.ExtraPrompts))
	if err != nil {
		if KindOf(err) == KindTimeout && ctx.Err() == nil {
			s.log.WithField("stage", string(stage)).WithError(err).Debug("no prompt before read timeout, continuing")
			return c, nil
		}
		return c, err
	}
	return c, nil
}

// ReadBanner 等待设备输出登录信息并读到第一个提示符
func (s *Session) ReadBanner(ctx context.Context) (Capture, error) {
	if err := sleepCtx(ctx, s.opts.BannerSettle); err != nil {
		return Capture{}, classify(StageBanner, s.target.Host, err)
	}
	c, err := s.drainLenient(ctx, StageBanner)
	if err != nil {
		return c, err
	}
	s.log.WithField("bytes", len(c.Raw)).Debug("banner consumed")
	return c, nil
}

// DisablePaging 发送关闭分页指令并消费其回显；设备不识别该指令不算错误
func (s *Session) DisablePaging(ctx context.Context) error {
	if st := s.State(); st != StateShellOpen {
		return newError(KindOperational, StageDisablePaging, s.target.Host, fmt.Errorf("cannot disable paging in state %s", st))
	}
	if err := s.write(ctx, StageDisablePaging, s.opts.PagingCommand); err != nil {
		return err
	}
	if err := sleepCtx(ctx, s.opts.PagingSettle); err != nil {
		return classify(StageDisablePaging, s.target.Host, err)
	}
	if _, err := s.drainLenient(ctx, StageDisablePaging); err != nil {
		return err
	}
	s.setState(StatePagingDisabled)
	return nil
}

// Exec 发送命令并按停止策略读取完整响应
func (s *Session) Exec(ctx context.Context, command string) (Capture, error) {
	if st := s.State(); st != StatePagingDisabled {
		return Capture{}, newError(KindOperational, StageSendCommand, s.target.Host, fmt.Errorf("cannot send command in state %s", st))
	}
	if err := s.write(ctx, StageSendCommand, command); err != nil {
		return Capture{}, err
	}
	s.setState(StateCommandSent)
	if err := sleepCtx(ctx, s.opts.CommandSettle); err != nil {
		return Capture{}, classify(StageSendCommand, s.target.Host, err)
	}

	s.setState(StateDraining)
	c, err := s.drain(ctx, StageDrain, PolicyCondition(s.opts.StopPolicy, s.opts.ExtraPrompts))
	if err != nil {
		return Capture{}, err
	}
	s.log.WithField("stopped_by", string(c.StoppedBy)).WithField("bytes", len(c.Raw)).Debug("command output drained")
	return c, nil
}

// Logout 发送注销命令，失败只记录日志
func (s *Session) Logout(ctx context.Context) {
	if s.opts.ExitCommand == "" || s.State() == StateClosed || s.stdin == nil {
		return
	}
	if err := s.write(ctx, StageSendCommand, s.opts.ExitCommand); err != nil {
		s.log.WithError(err).Debug("exit command not delivered")
	}
}

// Stderr 目前为止收到的 stderr 内容
func (s *Session) Stderr() string {
	if s.stderr == nil {
		return ""
	}
	return s.stderr.String()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// syncBuffer 并发安全的缓冲区
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
