package ssh

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// StopReason 一次读取结束的原因
type StopReason string

const (
	StopPrompt     StopReason = "prompt"
	StopQuiescence StopReason = "quiescence"
	StopClosed     StopReason = "closed"
)

// Policy 停止条件策略
type Policy string

const (
	// PolicyAuto 优先匹配提示符，空闲超时作为兜底
	PolicyAuto Policy = "auto"
	// PolicyPrompt 只认提示符
	PolicyPrompt Policy = "prompt"
	// PolicyQuiescence 只认空闲超时
	PolicyQuiescence Policy = "quiescence"
)

// ParsePolicy 解析停止策略
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyAuto:
		return PolicyAuto, nil
	case PolicyPrompt:
		return PolicyPrompt, nil
	case PolicyQuiescence:
		return PolicyQuiescence, nil
	}
	return "", fmt.Errorf("unknown stop policy %q", s)
}

// StopState 停止条件的判定输入
type StopState struct {
	// TrailingLine 缓冲区中最后一个非空行（已清洗）
	TrailingLine string
	// AfterIdle 本次判定是否由一次空读触发
	AfterIdle bool
	// Idle 距最后一次收到数据的时长
	Idle time.Duration
	// Received 本次读取累计收到的字节数
	Received int
}

// StopCondition 判定设备是否已回到空闲提示符
type StopCondition interface {
	Name() StopReason
	Done(s StopState) bool
}

var (
	bracketPrompt = regexp.MustCompile(`^(<[~*]?[\w.\-/]+>|\[[~*]?[\w.\-/]+\])$`)
	suffixPrompt  = regexp.MustCompile(`\S[>#]$`)
)

// IsPrompt 判断一行是否是设备提示符：<HUAWEI>、[~HUAWEI-GE1/0/1]，或以 > / # 结尾。
// 单独的 "#" 行（配置分隔符）不算提示符。
func IsPrompt(line string, extra ...*regexp.Regexp) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if bracketPrompt.MatchString(line) || suffixPrompt.MatchString(line) {
		return true
	}
	for _, re := range extra {
		if re != nil && re.MatchString(line) {
			return true
		}
	}
	return false
}

type promptMatch struct {
	extra []*regexp.Regexp
}

// PromptMatch 按尾行的提示符形状判定
func PromptMatch(extra ...*regexp.Regexp) StopCondition {
	return promptMatch{extra: extra}
}

func (promptMatch) Name() StopReason { return StopPrompt }

func (p promptMatch) Done(s StopState) bool {
	if s.AfterIdle {
		return false
	}
	return IsPrompt(s.TrailingLine, p.extra...)
}

type quiescence struct{}

// Quiescence 已收到数据且一个读周期内没有新数据即视为结束
func Quiescence() StopCondition { return quiescence{} }

func (quiescence) Name() StopReason { return StopQuiescence }

func (quiescence) Done(s StopState) bool {
	return s.AfterIdle && s.Received > 0
}

type anyOf []StopCondition

// AnyOf 任一条件满足即结束，按顺序判定
func AnyOf(conds ...StopCondition) StopCondition { return anyOf(conds) }

func (a anyOf) Name() StopReason {
	if len(a) == 0 {
		return ""
	}
	return a[0].Name()
}

func (a anyOf) Done(s StopState) bool {
	_, ok := matched(a, s)
	return ok
}

// PolicyCondition 根据策略构造停止条件
func PolicyCondition(p Policy, extra []*regexp.Regexp) StopCondition {
	switch p {
	case PolicyPrompt:
		return PromptMatch(extra...)
	case PolicyQuiescence:
		return Quiescence()
	default:
		return AnyOf(PromptMatch(extra...), Quiescence())
	}
}

// matched 返回实际命中的条件原因（AnyOf 返回命中的子条件）
func matched(c StopCondition, s StopState) (StopReason, bool) {
	if a, ok := c.(anyOf); ok {
		for _, sub := range a {
			if r, ok := matched(sub, s); ok {
				return r, true
			}
		}
		return "", false
	}
	if !c.Done(s) {
		return "", false
	}
	return c.Name(), true
}

// trailingLine 返回缓冲区中最后一个非空行（只转换尾部，避免整段拷贝）
func trailingLine(b []byte) string {
	for {
		i := bytes.LastIndexAny(b, "\r\n")
		line := sanitizeLine(string(b[i+1:]))
		if line != "" || i < 0 {
			return line
		}
		b = b[:i]
	}
}
