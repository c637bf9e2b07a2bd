package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sshcollectorpro/shellexec/pkg/logger"
	sshc "github.com/sshcollectorpro/shellexec/pkg/ssh"
)

// Config 应用配置
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	SSH      SSHConfig      `mapstructure:"ssh"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Simulate SimulateConfig `mapstructure:"simulate"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SSHConfig 命令执行引擎配置
type SSHConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	BannerSettle   time.Duration `mapstructure:"banner_settle"`
	PagingSettle   time.Duration `mapstructure:"paging_settle"`
	CommandSettle  time.Duration `mapstructure:"command_settle"`
	PromptGrace    time.Duration `mapstructure:"prompt_grace"`
	ExecTimeout    time.Duration `mapstructure:"exec_timeout"`
	MaxIdleReads   int           `mapstructure:"max_idle_reads"`
	MaxReads       int           `mapstructure:"max_reads"`
	PagingCommand  string        `mapstructure:"paging_command"`
	ExitCommand    string        `mapstructure:"exit_command"`
	// StopPolicy auto | prompt | quiescence
	StopPolicy string `mapstructure:"stop_policy"`
	// StderrPolicy ignore | advisory | fatal
	StderrPolicy string `mapstructure:"stderr_policy"`
	// Mode shell | exec
	Mode         string             `mapstructure:"mode"`
	ExtraPrompts []string           `mapstructure:"extra_prompts"`
	Terminal     TerminalConfig     `mapstructure:"terminal"`
	OutputFilter OutputFilterConfig `mapstructure:"output_filter"`
	// MaxConcurrent 同时执行的请求数上限
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// TerminalConfig PTY 参数
type TerminalConfig struct {
	Types  []string `mapstructure:"types"`
	Width  int      `mapstructure:"width"`
	Height int      `mapstructure:"height"`
}

// OutputFilterConfig 输出过滤器配置
type OutputFilterConfig struct {
	// Prefixes 移除以这些字符串开头的行（例如分页提示 "---- More ----"）
	Prefixes []string `mapstructure:"prefixes"`
	// Contains 移除包含这些子串的行（例如 Cisco 的 "--more--"）
	Contains        []string `mapstructure:"contains"`
	CaseInsensitive bool     `mapstructure:"case_insensitive"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// SQLiteConfig 执行历史库，默认关闭
type SQLiteConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StorageConfig 输出归档配置
type StorageConfig struct {
	// Backend none | local | minio
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
	Minio   MinioConfig        `mapstructure:"minio"`
}

// LocalStorageConfig 本地目录归档
type LocalStorageConfig struct {
	BaseDir        string `mapstructure:"base_dir"`
	MkdirIfMissing bool   `mapstructure:"mkdir_if_missing"`
}

// MinioConfig MinIO 归档
type MinioConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	Secure    bool   `mapstructure:"secure"`
}

// SimulateConfig 内置设备模拟器
type SimulateConfig struct {
	Enable     bool   `mapstructure:"enable"`
	ConfigPath string `mapstructure:"config_path"`
}

var globalConfig *Config

// Load 加载配置：configPath 为空时在 ./configs 等目录查找 config.yaml，找不到则只用默认值
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	// 环境变量覆盖，例如 SHELLEXEC_SSH_READ_TIMEOUT=10s
	v.SetEnvPrefix("SHELLEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &config
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	d := sshc.DefaultOptions()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 5*time.Minute)

	v.SetDefault("ssh.connect_timeout", d.ConnectTimeout)
	v.SetDefault("ssh.read_timeout", d.ReadTimeout)
	v.SetDefault("ssh.banner_settle", d.BannerSettle)
	v.SetDefault("ssh.paging_settle", d.PagingSettle)
	v.SetDefault("ssh.command_settle", d.CommandSettle)
	v.SetDefault("ssh.prompt_grace", d.PromptGrace)
	v.SetDefault("ssh.exec_timeout", d.ExecTimeout)
	v.SetDefault("ssh.max_idle_reads", d.MaxIdleReads)
	v.SetDefault("ssh.max_reads", d.MaxReads)
	v.SetDefault("ssh.paging_command", d.PagingCommand)
	v.SetDefault("ssh.exit_command", d.ExitCommand)
	v.SetDefault("ssh.stop_policy", string(d.StopPolicy))
	v.SetDefault("ssh.stderr_policy", string(d.StderrPolicy))
	v.SetDefault("ssh.mode", string(d.Mode))
	v.SetDefault("ssh.extra_prompts", []string{})
	v.SetDefault("ssh.terminal.types", d.Terminal.Types)
	v.SetDefault("ssh.terminal.width", d.Terminal.Width)
	v.SetDefault("ssh.terminal.height", d.Terminal.Height)
	v.SetDefault("ssh.output_filter.prefixes", d.Filter.Prefixes)
	v.SetDefault("ssh.output_filter.contains", d.Filter.Contains)
	v.SetDefault("ssh.output_filter.case_insensitive", d.Filter.CaseInsensitive)
	v.SetDefault("ssh.max_concurrent", 32)
	v.SetDefault("ssh.acquire_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "console")
	v.SetDefault("log.file_path", "./logs/shellexec.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("database.sqlite.enabled", false)
	v.SetDefault("database.sqlite.path", "./data/shellexec.db")
	v.SetDefault("database.sqlite.max_idle_conns", 5)
	v.SetDefault("database.sqlite.max_open_conns", 1)
	v.SetDefault("database.sqlite.conn_max_lifetime", time.Hour)

	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "executions")
	v.SetDefault("storage.local.base_dir", "./data/executions")
	v.SetDefault("storage.local.mkdir_if_missing", true)
	v.SetDefault("storage.minio.host", "127.0.0.1")
	v.SetDefault("storage.minio.port", 9000)
	v.SetDefault("storage.minio.access_key", "")
	v.SetDefault("storage.minio.secret_key", "")
	v.SetDefault("storage.minio.bucket", "shellexec")
	v.SetDefault("storage.minio.secure", false)

	v.SetDefault("simulate.enable", false)
	v.SetDefault("simulate.config_path", "./simulate/simulate.yaml")
}

// maxDrainBudget 单次读取总预算的上限
const maxDrainBudget = 24 * time.Hour

// Validate 校验取值范围与枚举
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if _, err := c.SSH.EngineOptions(); err != nil {
		return err
	}
	if c.SSH.MaxConcurrent <= 0 {
		return fmt.Errorf("ssh.max_concurrent must be positive")
	}
	if c.SSH.MaxReads > 0 && c.SSH.ReadTimeout > maxDrainBudget/time.Duration(c.SSH.MaxReads) {
		return fmt.Errorf("ssh.read_timeout * ssh.max_reads exceeds %s", maxDrainBudget)
	}
	switch c.Storage.Backend {
	case "none", "local", "minio":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	if c.Database.SQLite.Enabled && strings.TrimSpace(c.Database.SQLite.Path) == "" {
		return fmt.Errorf("database.sqlite.path is required when history is enabled")
	}
	return nil
}

// EngineOptions 转换为引擎参数；日志由调用方按请求注入
func (s SSHConfig) EngineOptions() (sshc.Options, error) {
	stop, err := sshc.ParsePolicy(s.StopPolicy)
	if err != nil {
		return sshc.Options{}, fmt.Errorf("ssh.stop_policy: %w", err)
	}
	stderr, err := sshc.ParseStderrPolicy(s.StderrPolicy)
	if err != nil {
		return sshc.Options{}, fmt.Errorf("ssh.stderr_policy: %w", err)
	}
	mode, err := sshc.ParseMode(s.Mode)
	if err != nil {
		return sshc.Options{}, fmt.Errorf("ssh.mode: %w", err)
	}
	prompts := make([]*regexp.Regexp, 0, len(s.ExtraPrompts))
	for _, p := range s.ExtraPrompts {
		re, err := regexp.Compile(p)
		if err != nil {
			return sshc.Options{}, fmt.Errorf("ssh.extra_prompts %q: %w", p, err)
		}
		prompts = append(prompts, re)
	}
	return sshc.Options{
		ConnectTimeout: s.ConnectTimeout,
		ReadTimeout:    s.ReadTimeout,
		BannerSettle:   s.BannerSettle,
		PagingSettle:   s.PagingSettle,
		CommandSettle:  s.CommandSettle,
		MaxIdleReads:   s.MaxIdleReads,
		MaxReads:       s.MaxReads,
		PromptGrace:    s.PromptGrace,
		PagingCommand:  s.PagingCommand,
		StopPolicy:     stop,
		StderrPolicy:   stderr,
		Mode:           mode,
		ExecTimeout:    s.ExecTimeout,
		ExitCommand:    s.ExitCommand,
		ExtraPrompts:   prompts,
		Filter: sshc.OutputFilter{
			Prefixes:        s.OutputFilter.Prefixes,
			Contains:        s.OutputFilter.Contains,
			CaseInsensitive: s.OutputFilter.CaseInsensitive,
		},
		Terminal: sshc.TerminalOptions{
			Types:  s.Terminal.Types,
			Width:  s.Terminal.Width,
			Height: s.Terminal.Height,
		},
	}, nil
}

// LoggerConfig 转换为日志配置
func (l LogConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      l.Level,
		Format:     l.Format,
		Output:     l.Output,
		FilePath:   l.FilePath,
		MaxSize:    l.MaxSize,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAge,
		Compress:   l.Compress,
	}
}

// GetServerAddr 获取服务器地址
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Get 最近一次成功加载的配置
func Get() *Config {
	return globalConfig
}
