package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	log = logrus.New()

	// mu 串行化 Init，logFile 为当前文件输出，重新配置时关闭
	mu      sync.Mutex
	logFile io.Closer
)

// Config 日志配置
type Config struct {
	Level      string `mapstructure:"level" json:"level"`
	Format     string `mapstructure:"format" json:"format"`
	Output     string `mapstructure:"output" json:"output"`
	FilePath   string `mapstructure:"file_path" json:"file_path"`
	MaxSize    int    `mapstructure:"max_size" json:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" json:"max_age"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// New 按配置创建独立的日志实例
func New(config Config) (*logrus.Logger, error) {
	l := logrus.New()
	if _, err := configure(l, config); err != nil {
		return nil, err
	}
	return l, nil
}

// configure 先准备好输出再一次性应用到 l；返回新建的文件输出（可能为 nil）
func configure(l *logrus.Logger, config Config) (io.Closer, error) {
	var (
		writers []io.Writer
		file    *lumberjack.Logger
	)
	switch strings.ToLower(config.Output) {
	case "", "console":
		writers = append(writers, os.Stdout)
	case "file", "both":
		if config.FilePath == "" {
			return nil, fmt.Errorf("log file_path is required for output %q", config.Output)
		}
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
			return nil, err
		}
		file = &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, file)
		if strings.ToLower(config.Output) == "both" {
			writers = append(writers, os.Stdout)
		}
	default:
		return nil, fmt.Errorf("unknown log output %q", config.Output)
	}

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if config.Format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:   "2006-01-02 15:04:05",
			DisableHTMLEscape: true, // 设备提示符含 <>，不做转义
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	l.SetOutput(io.MultiWriter(writers...))

	if file == nil {
		return nil, nil
	}
	return file, nil
}

// Init 初始化全局日志。可重复调用（配置热更新），
// 已有实例原地重新配置，旧的日志文件句柄随之关闭
func Init(config Config) error {
	mu.Lock()
	defer mu.Unlock()

	file, err := configure(log, config)
	if err != nil {
		return err
	}
	// SetOutput 返回后不会再有写入落到旧输出上
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = file
	return nil
}

// GetLogger 获取日志实例
func GetLogger() *logrus.Logger {
	return log
}

// Discard 丢弃所有输出的日志实例，测试中使用
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// ForRequest 生成带 request_id 的请求级日志；id 为空时自动生成
func ForRequest(requestID string) *logrus.Entry {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return GetLogger().WithField("request_id", requestID)
}

// Debugf 格式化调试日志
func Debugf(format string, args ...interface{}) {
	GetLogger().Debugf(format, args...)
}

// Info 信息日志
func Info(args ...interface{}) {
	GetLogger().Info(args...)
}

// Infof 格式化信息日志
func Infof(format string, args ...interface{}) {
	GetLogger().Infof(format, args...)
}

// Warnf 格式化警告日志
func Warnf(format string, args ...interface{}) {
	GetLogger().Warnf(format, args...)
}

// Error 错误日志
func Error(args ...interface{}) {
	GetLogger().Error(args...)
}

// Errorf 格式化错误日志
func Errorf(format string, args ...interface{}) {
	GetLogger().Errorf(format, args...)
}

// Fatalf 格式化致命错误日志
func Fatalf(format string, args ...interface{}) {
	GetLogger().Fatalf(format, args...)
}

// WithField 添加字段
func WithField(key string, value interface{}) *logrus.Entry {
	return GetLogger().WithField(key, value)
}

// WithFields 添加多个字段
func WithFields(fields logrus.Fields) *logrus.Entry {
	return GetLogger().WithFields(fields)
}
