package ssh

import (
	"regexp"
	"strings"
)

// ansiPattern 常见 ANSI 转义序列：CSI、OSC 与字符集切换
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*\x07|\x1b[()][0-9A-Za-z]|\x1b[=>]`)

// cleanLine 移除转义序列与不可见控制符，保留行首缩进
func cleanLine(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	if strings.IndexFunc(s, isControl) >= 0 {
		s = strings.Map(func(r rune) rune {
			if isControl(r) {
				return -1
			}
			return r
		}, s)
	}
	return strings.TrimRight(s, " \t")
}

func isControl(r rune) bool {
	return (r < 0x20 && r != '\t') || r == 0x7f
}

// sanitizeLine 用于提示符判定的清洗
func sanitizeLine(s string) string {
	return strings.TrimSpace(cleanLine(s))
}

// splitLines 统一换行：CRLF -> LF，孤立 CR 去除
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "")
	lines := strings.Split(s, "\n")
	for i := range lines {
		lines[i] = cleanLine(lines[i])
	}
	return lines
}

// OutputFilter 输出行过滤（分页提示残留等）
type OutputFilter struct {
	Prefixes        []string
	Contains        []string
	CaseInsensitive bool
}

// DefaultOutputFilter 华为/H3C 与 Cisco 的分页提示
func DefaultOutputFilter() OutputFilter {
	return OutputFilter{
		Prefixes:        []string{"---- More ----"},
		Contains:        []string{"--more--"},
		CaseInsensitive: true,
	}
}

func (f OutputFilter) drop(line string) bool {
	l := strings.TrimSpace(line)
	if f.CaseInsensitive {
		l = strings.ToLower(l)
	}
	for _, p := range f.Prefixes {
		if p == "" {
			continue
		}
		if f.CaseInsensitive {
			p = strings.ToLower(p)
		}
		if strings.HasPrefix(l, p) {
			return true
		}
	}
	for _, c := range f.Contains {
		if c == "" {
			continue
		}
		if f.CaseInsensitive {
			c = strings.ToLower(c)
		}
		if strings.Contains(l, c) {
			return true
		}
	}
	return false
}

// Normalizer 输出规整器：去除命令回显、分页残留与尾部提示符
type Normalizer struct {
	PagingCommand string
	Filter        OutputFilter
}

// DefaultNormalizer 使用默认分页指令与过滤规则
func DefaultNormalizer() Normalizer {
	return Normalizer{PagingCommand: DefaultPagingCommand, Filter: DefaultOutputFilter()}
}

// Normalize 使用默认规整器
func Normalize(c Capture, command string) string {
	return DefaultNormalizer().Normalize(c, command)
}

// Normalize 纯函数，不会失败：
// 找到回显行则返回其后的各行（提示符结束时去掉最后一行）；
// 找不到回显时返回去掉分页指令文本的原始输出。
func (n Normalizer) Normalize(c Capture, command string) string {
	command = strings.TrimSpace(command)
	lines := splitLines(c.Raw)

	echo := -1
	if command != "" {
		for i, l := range lines {
			if strings.Contains(l, command) {
				echo = i
				break
			}
		}
	}
	if echo < 0 {
		out := c.Raw
		if n.PagingCommand != "" {
			out = strings.ReplaceAll(out, n.PagingCommand, "")
		}
		return strings.TrimSpace(out)
	}

	body := lines[echo+1:]
	if c.StoppedBy == StopPrompt {
		for len(body) > 0 && strings.TrimSpace(body[len(body)-1]) == "" {
			body = body[:len(body)-1]
		}
		if len(body) > 0 {
			body = body[:len(body)-1]
		}
	}
	kept := make([]string, 0, len(body))
	for _, l := range body {
		if n.Filter.drop(l) {
			continue
		}
		kept = append(kept, l)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}
