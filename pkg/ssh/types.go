package ssh

import (
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPagingCommand 华为 VRP 关闭分页的指令（仅对当前会话生效）
const DefaultPagingCommand = "screen-length 0 temporary"

// Target SSH连接目标，单次调用内不可变
type Target struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

// Address 返回 host:port，端口为空时使用 22
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Request 一次请求对应一个会话
type Request struct {
	Target  Target
	Command string
}

// Validate 校验并规范化请求（去除命令首尾空白，端口默认 22）
func (r *Request) Validate() error {
	r.Command = strings.TrimSpace(r.Command)
	r.Target.Host = strings.TrimSpace(r.Target.Host)
	if r.Target.Host == "" {
		return invalidf("host is required")
	}
	if strings.TrimSpace(r.Target.Username) == "" {
		return invalidf("username is required")
	}
	if r.Target.Password == "" {
		return invalidf("password is required")
	}
	if r.Command == "" {
		return invalidf("command must not be empty")
	}
	if r.Target.Port == 0 {
		r.Target.Port = 22
	}
	if r.Target.Port < 1 || r.Target.Port > 65535 {
		return invalidf("port out of range: %d", r.Target.Port)
	}
	return nil
}

// Result 命令执行结果，生成后不再修改
type Result struct {
	Command     string        `json:"command"`
	RawOutput   string        `json:"raw_output"`
	CleanOutput string        `json:"clean_output"`
	StoppedBy   StopReason    `json:"stopped_by"`
	Stderr      string        `json:"stderr,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// State 会话状态
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateShellOpen
	StatePagingDisabled
	StateCommandSent
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnected:
		return "Connected"
	case StateShellOpen:
		return "ShellOpen"
	case StatePagingDisabled:
		return "PagingDisabled"
	case StateCommandSent:
		return "CommandSent"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Mode 执行方式
type Mode string

const (
	// ModeShell 交互式 PTY Shell（默认）
	ModeShell Mode = "shell"
	// ModeExec 单次 exec 请求，不分配 PTY
	ModeExec Mode = "exec"
)

// StderrPolicy 设备 stderr 输出的处理策略
type StderrPolicy string

const (
	StderrIgnore   StderrPolicy = "ignore"
	StderrAdvisory StderrPolicy = "advisory"
	StderrFatal    StderrPolicy = "fatal"
)

// Options 引擎参数
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	BannerSettle   time.Duration
	PagingSettle   time.Duration
	CommandSettle  time.Duration
	// MaxIdleReads 连续空读次数上限
	MaxIdleReads int
	// MaxReads 单次读取的总预算为 ReadTimeout*MaxReads
	MaxReads      int
	PromptGrace   time.Duration
	PagingCommand string
	StopPolicy    Policy
	StderrPolicy  StderrPolicy
	Mode          Mode
	ExecTimeout   time.Duration
	// ExitCommand 结束前发送的注销命令，为空则不发送
	ExitCommand  string
	ExtraPrompts []*regexp.Regexp
	// Filter 规整输出时丢弃的行，为空时使用 DefaultOutputFilter
	Filter   OutputFilter
	Terminal TerminalOptions
	// Logger 请求级日志，为空时丢弃
	Logger logrus.FieldLogger
}

// TerminalOptions PTY 参数
type TerminalOptions struct {
	Types  []string
	Width  int
	Height int
}

// DefaultOptions 返回推荐默认值
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 20 * time.Second,
		ReadTimeout:    5 * time.Second,
		BannerSettle:   1 * time.Second,
		PagingSettle:   500 * time.Millisecond,
		CommandSettle:  2 * time.Second,
		MaxIdleReads:   3,
		MaxReads:       120,
		PromptGrace:    50 * time.Millisecond,
		PagingCommand:  DefaultPagingCommand,
		StopPolicy:     PolicyAuto,
		StderrPolicy:   StderrAdvisory,
		Mode:           ModeShell,
		ExecTimeout:    30 * time.Second,
		ExitCommand:    "quit",
		Filter:         DefaultOutputFilter(),
		Terminal: TerminalOptions{
			Types:  []string{"vt100", "xterm", "ansi", "dumb"},
			Width:  80,
			Height: 24,
		},
	}
}

// withDefaults 用默认值补齐未设置的字段
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.BannerSettle < 0 {
		o.BannerSettle = 0
	}
	if o.PagingSettle < 0 {
		o.PagingSettle = 0
	}
	if o.CommandSettle < 0 {
		o.CommandSettle = 0
	}
	if o.MaxIdleReads <= 0 {
		o.MaxIdleReads = d.MaxIdleReads
	}
	if o.MaxReads <= 0 {
		o.MaxReads = d.MaxReads
	}
	if strings.TrimSpace(o.PagingCommand) == "" {
		o.PagingCommand = d.PagingCommand
	}
	if o.StopPolicy == "" {
		o.StopPolicy = d.StopPolicy
	}
	if o.StderrPolicy == "" {
		o.StderrPolicy = d.StderrPolicy
	}
	if o.Mode == "" {
		o.Mode = d.Mode
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = d.ExecTimeout
	}
	if len(o.Filter.Prefixes) == 0 && len(o.Filter.Contains) == 0 {
		o.Filter = DefaultOutputFilter()
	}
	if len(o.Terminal.Types) == 0 {
		o.Terminal.Types = d.Terminal.Types
	}
	if o.Terminal.Width <= 0 {
		o.Terminal.Width = d.Terminal.Width
	}
	if o.Terminal.Height <= 0 {
		o.Terminal.Height = d.Terminal.Height
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
	return o
}

func (o Options) readerOptions() ReaderOptions {
	return ReaderOptions{
		ReadTimeout:  o.ReadTimeout,
		MaxIdleReads: o.MaxIdleReads,
		MaxReads:     o.MaxReads,
		PromptGrace:  o.PromptGrace,
	}
}

// ParseMode 解析执行方式
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeShell:
		return ModeShell, nil
	case ModeExec:
		return ModeExec, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// ParseStderrPolicy 解析 stderr 策略
func ParseStderrPolicy(s string) (StderrPolicy, error) {
	switch StderrPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StderrAdvisory:
		return StderrAdvisory, nil
	case StderrIgnore:
		return StderrIgnore, nil
	case StderrFatal:
		return StderrFatal, nil
	}
	return "", fmt.Errorf("unknown stderr policy %q", s)
}
