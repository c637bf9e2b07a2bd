package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClassify 底层错误到错误类别的映射
func TestClassify(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")}
	cases := []struct {
		name string
		err  error
		want *Error
	}{
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"canceled", context.Canceled, ErrOperational},
		{"refused", opErr, ErrConnect},
		{"eof", io.EOF, ErrProtocol},
		{"ssh", errors.New("ssh: rejected: administratively prohibited"), ErrProtocol},
		{"io timeout", fmt.Errorf("read: %w", errors.New("i/o timeout")), ErrTimeout},
		{"other", errors.New("boom"), ErrOperational},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := classify(StageDrain, "10.0.0.1", c.err)
			assert.ErrorIs(t, err, c.want)
			assert.Equal(t, StageDrain, err.Stage)
			assert.ErrorIs(t, err, c.err, "应保留原始错误")
		})
	}
	assert.Nil(t, classify(StageDrain, "", nil))
}

// TestClassifyKeepsExistingError 已分类错误只补充阶段与主机，不修改哨兵
func TestClassifyKeepsExistingError(t *testing.T) {
	err := classify(StageDrain, "10.0.0.1", ErrTimeout)
	assert.Equal(t, KindTimeout, err.Kind)
	assert.Equal(t, StageDrain, err.Stage)
	assert.Empty(t, ErrTimeout.Stage)
	assert.Empty(t, ErrTimeout.Host)

	inner := newError(KindAuth, StageAuthenticate, "", errors.New("denied"))
	err = classify(StageConnect, "10.0.0.1", fmt.Errorf("wrapped: %w", inner))
	assert.Equal(t, KindAuth, err.Kind)
	assert.Equal(t, StageAuthenticate, err.Stage)
	assert.Equal(t, "10.0.0.1", err.Host)
}

// TestErrorMessage 错误文本包含类别、阶段、主机与原因
func TestErrorMessage(t *testing.T) {
	err := newError(KindTimeout, StageDrain, "10.0.0.1", errNoData)
	assert.Equal(t, "TimeoutError [drain] 10.0.0.1: no data received before read timeout", err.Error())
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("run: %w", err)))
	assert.Equal(t, KindOperational, KindOf(errors.New("plain")))
	assert.NotErrorIs(t, err, ErrAuth)
}

// TestIsAuthFailure x/crypto/ssh 的认证失败文案
func TestIsAuthFailure(t *testing.T) {
	assert.True(t, isAuthFailure(errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain")))
	assert.False(t, isAuthFailure(errors.New("ssh: handshake failed: EOF")))
}

// TestRequestValidate 请求校验与规范化
func TestRequestValidate(t *testing.T) {
	req := Request{Target: Target{Host: " 10.0.0.1 ", Username: "admin", Password: "pw"}, Command: "  display version \n"}
	require.NoError(t, req.Validate())
	assert.Equal(t, "display version", req.Command)
	assert.Equal(t, 22, req.Target.Port)
	assert.Equal(t, "10.0.0.1:22", req.Target.Address())

	bad := []Request{
		{Target: Target{Username: "admin", Password: "pw"}, Command: "x"},
		{Target: Target{Host: "h", Password: "pw"}, Command: "x"},
		{Target: Target{Host: "h", Username: "admin"}, Command: "x"},
		{Target: Target{Host: "h", Username: "admin", Password: "pw"}, Command: "   "},
		{Target: Target{Host: "h", Port: 70000, Username: "admin", Password: "pw"}, Command: "x"},
	}
	for _, r := range bad {
		err := r.Validate()
		assert.ErrorIs(t, err, ErrInvalid, "request %+v", r)
	}
}
