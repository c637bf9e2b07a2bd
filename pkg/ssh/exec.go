package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sshcollectorpro/shellexec/internal/util"
	"golang.org/x/crypto/ssh"
)

// RunExec 以单次 exec 请求执行：分页指令与命令合并为一个载荷，读取到通道关闭为止。
// 返回的 stderr 由调用方按 StderrPolicy 处理。
func (s *Session) RunExec(ctx context.Context, command string) (Capture, string, error) {
	if st := s.State(); st != StateConnected {
		return Capture{}, "", newError(KindOperational, StageExec, s.target.Host, fmt.Errorf("cannot exec in state %s", st))
	}

	var sess *ssh.Session
	err := s.bounded(ctx, StageOpenShell, s.opts.ConnectTimeout, func() error {
		var err error
		sess, err = s.client.NewSession()
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	})
	if err != nil {
		return Capture{}, "", err
	}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	payload := command + "\n"
	if s.opts.PagingCommand != "" {
		payload = s.opts.PagingCommand + "\n" + payload
	}
	if err := sess.Start(payload); err != nil {
		return Capture{}, "", classify(StageExec, s.target.Host, fmt.Errorf("failed to start command: %w", err))
	}
	s.setState(StateCommandSent)

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(s.opts.ExecTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			var missing *ssh.ExitMissingError
			switch {
			case errors.As(err, &exitErr):
				s.log.WithField("exit_status", exitErr.ExitStatus()).Warn("remote command exited with non-zero status")
			case errors.As(err, &missing):
				s.log.Debug("remote did not report exit status")
			default:
				return Capture{}, "", classify(StageExec, s.target.Host, err)
			}
		}
	case <-timer.C:
		_ = s.Close()
		return Capture{}, "", newError(KindTimeout, StageExec, s.target.Host, fmt.Errorf("command did not finish within %s", s.opts.ExecTimeout))
	case <-ctx.Done():
		_ = s.Close()
		return Capture{}, "", classify(StageExec, s.target.Host, ctx.Err())
	}

	s.log.WithField("bytes", stdout.Len()).Debug("exec output collected")
	return Capture{Raw: util.EnsureUTF8Bytes(stdout.Bytes()), StoppedBy: StopClosed}, util.EnsureUTF8Bytes(stderr.Bytes()), nil
}
