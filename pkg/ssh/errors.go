package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Kind 错误类别
type Kind int

const (
	// KindOperational 未归类的运行错误（保留原始错误文本）
	KindOperational Kind = iota
	// KindConnect 套接字/TCP 层无法建立
	KindConnect
	// KindAuth 设备拒绝凭据
	KindAuth
	// KindProtocol SSH 协议本身失败（协商、通道请求）
	KindProtocol
	// KindTimeout 在配置的时限内没有数据或没有满足停止条件
	KindTimeout
	// KindInvalid 请求参数不合法
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "ConnectError"
	case KindAuth:
		return "AuthError"
	case KindProtocol:
		return "ProtocolError"
	case KindTimeout:
		return "TimeoutError"
	case KindInvalid:
		return "InvalidRequest"
	default:
		return "OperationalError"
	}
}

// Stage 出错时所处的会话阶段
type Stage string

const (
	StageValidate      Stage = "validate"
	StageConnect       Stage = "connect"
	StageAuthenticate  Stage = "authenticate"
	StageOpenShell     Stage = "open-shell"
	StageBanner        Stage = "banner"
	StageDisablePaging Stage = "disable-paging"
	StageSendCommand   Stage = "send-command"
	StageDrain         Stage = "drain"
	StageExec          Stage = "exec"
)

// Error 引擎对外的结构化错误
type Error struct {
	Kind  Kind
	Stage Stage
	Host  string
	Err   error
}

// 按类别匹配的哨兵错误，配合 errors.Is 使用
var (
	ErrConnect     = &Error{Kind: KindConnect}
	ErrAuth        = &Error{Kind: KindAuth}
	ErrProtocol    = &Error{Kind: KindProtocol}
	ErrTimeout     = &Error{Kind: KindTimeout}
	ErrOperational = &Error{Kind: KindOperational}
	ErrInvalid     = &Error{Kind: KindInvalid}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(string(e.Stage))
		b.WriteString("]")
	}
	if e.Host != "" {
		b.WriteString(" ")
		b.WriteString(e.Host)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 只比较类别；哨兵错误不携带阶段与原因
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Stage == "" && t.Err == nil
}

func newError(kind Kind, stage Stage, host string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Host: host, Err: err}
}

// KindOf 返回任意错误的类别，非引擎错误视为 KindOperational
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOperational
}

// errChannelClosed 设备在产生任何输出前关闭了通道
var errChannelClosed = errors.New("channel closed by remote before any output")

// errNoData 读超时反复发生且未收到任何字节
var errNoData = errors.New("no data received before read timeout")

// errNoPrompt 收到了数据但一直没有出现提示符
var errNoPrompt = errors.New("device prompt not detected before read timeout")

// errBudget 读取总时长超过预算
var errBudget = errors.New("drain budget exhausted")

// classify 将底层错误映射到错误类别；认证失败只在握手阶段判定（见 Dial）
func classify(stage Stage, host string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		c := *e
		if c.Stage == "" {
			c.Stage = stage
		}
		if c.Host == "" {
			c.Host = host
		}
		return &c
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, stage, host, err)
	case errors.Is(err, context.Canceled):
		return newError(KindOperational, stage, host, err)
	case isTimeout(err):
		return newError(KindTimeout, stage, host, err)
	}
	var opErr *net.OpError
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) {
		return newError(KindConnect, stage, host, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return newError(KindProtocol, stage, host, err)
	}
	if strings.HasPrefix(err.Error(), "ssh: ") {
		return newError(KindProtocol, stage, host, err)
	}
	return newError(KindOperational, stage, host, err)
}

// isAuthFailure 凭据被拒（x/crypto/ssh 未导出类型化错误，只能按文案判断）
func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no supported methods remain") ||
		strings.Contains(msg, "too many authentication failures") ||
		strings.Contains(msg, "permission denied")
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "timed out")
}

func invalidf(format string, args ...interface{}) *Error {
	return newError(KindInvalid, StageValidate, "", fmt.Errorf(format, args...))
}
