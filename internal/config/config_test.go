package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshc "github.com/sshcollectorpro/shellexec/pkg/ssh"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// TestLoadDefaults 只给出少量配置时其余项取默认值
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8080\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.GetServerAddr())
	assert.Equal(t, 20*time.Second, cfg.SSH.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.SSH.ReadTimeout)
	assert.Equal(t, 120, cfg.SSH.MaxReads)
	assert.Equal(t, "screen-length 0 temporary", cfg.SSH.PagingCommand)
	assert.Equal(t, "none", cfg.Storage.Backend)
	assert.False(t, cfg.Database.SQLite.Enabled)
	assert.Same(t, cfg, Get())
}

// TestLoadEngineOptions 配置转换为引擎参数
func TestLoadEngineOptions(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
ssh:
  read_timeout: 2s
  stop_policy: quiescence
  stderr_policy: fatal
  mode: exec
  extra_prompts: ["^login:$"]
  terminal:
    types: [xterm]
`))
	require.NoError(t, err)

	opts, err := cfg.SSH.EngineOptions()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, opts.ReadTimeout)
	assert.Equal(t, sshc.PolicyQuiescence, opts.StopPolicy)
	assert.Equal(t, sshc.StderrFatal, opts.StderrPolicy)
	assert.Equal(t, sshc.ModeExec, opts.Mode)
	require.Len(t, opts.ExtraPrompts, 1)
	assert.True(t, sshc.IsPrompt("login:", opts.ExtraPrompts...))
	assert.Equal(t, []string{"xterm"}, opts.Terminal.Types)
	assert.Equal(t, []string{"---- More ----"}, opts.Filter.Prefixes)
}

// TestLoadEnvOverride 环境变量覆盖文件配置
func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SHELLEXEC_SSH_READ_TIMEOUT", "9s")
	t.Setenv("SHELLEXEC_LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "ssh:\n  read_timeout: 3s\n"))
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, cfg.SSH.ReadTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "debug", cfg.Log.LoggerConfig().Level)
}

// TestLoadRejectsInvalidValues 非法枚举与端口直接报错
func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"stop policy":   "ssh:\n  stop_policy: marker\n",
		"stderr policy": "ssh:\n  stderr_policy: loud\n",
		"mode":          "ssh:\n  mode: telnet\n",
		"prompt regexp": "ssh:\n  extra_prompts: [\"(\"]\n",
		"port":          "server:\n  port: 70000\n",
		"backend":       "storage:\n  backend: s3\n",
		"concurrency":   "ssh:\n  max_concurrent: 0\n",
		"drain budget":  "ssh:\n  read_timeout: 1h\n  max_reads: 100\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

// TestLoadMissingFile 显式指定的文件不存在时报错
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
