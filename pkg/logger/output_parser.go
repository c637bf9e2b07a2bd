package logger

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputLines 命令输出的头部和尾部行
type OutputLines struct {
	HeadLines []string `json:"head_lines"`
	TailLines []string `json:"tail_lines"`
	Total     int      `json:"total"`
}

// ParseOutputLines 提取输出的头部与尾部行，maxLines 为各自上限（默认 5）
func ParseOutputLines(output string, maxLines int) OutputLines {
	if maxLines <= 0 {
		maxLines = 5
	}
	output = strings.TrimRight(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	if output == "" {
		return OutputLines{}
	}
	lines := strings.Split(output, "\n")
	n := len(lines)

	head := lines
	if n > maxLines {
		head = lines[:maxLines]
	}
	tail := lines
	if n > maxLines {
		tail = lines[n-maxLines:]
	}
	return OutputLines{
		HeadLines: append([]string(nil), head...),
		TailLines: append([]string(nil), tail...),
		Total:     n,
	}
}

// FormatOutputLines 格式化为单行日志文本；行数不超过上限时只输出一次
func FormatOutputLines(lines OutputLines) string {
	if len(lines.HeadLines) == 0 {
		return ""
	}
	parts := []string{"head-lines: [" + strings.Join(lines.HeadLines, " ⟩ ") + "]"}
	if lines.Total > len(lines.HeadLines) {
		parts = append(parts, "tail-lines: ["+strings.Join(lines.TailLines, " ⟩ ")+"]")
	}
	return strings.Join(parts, ", ")
}

// DebugCommandOutput 在 debug 级别记录命令输出的 head/tail-lines
func DebugCommandOutput(l logrus.FieldLogger, command string, output string, maxLines int) {
	if !debugEnabled(l) {
		return
	}
	lines := ParseOutputLines(output, maxLines)
	if lines.Total == 0 {
		return
	}
	l.WithField("lines", lines.Total).Debugf("Command echo [%s]: %s", command, FormatOutputLines(lines))
}

func debugEnabled(l logrus.FieldLogger) bool {
	switch v := l.(type) {
	case *logrus.Entry:
		return v.Logger.IsLevelEnabled(logrus.DebugLevel)
	case *logrus.Logger:
		return v.IsLevelEnabled(logrus.DebugLevel)
	case nil:
		return false
	}
	return true
}
