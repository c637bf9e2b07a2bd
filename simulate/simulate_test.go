package simulate

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func startServer(t *testing.T, cfg DeviceConfig) *Server {
	t.Helper()
	if cfg.Password == "" {
		cfg.Password = "nova"
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dial(t *testing.T, srv *Server, user, password string) (*ssh.Client, error) {
	t.Helper()
	return ssh.Dial("tcp", srv.Addr(), &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
}

// readUntil 读取直到输出包含 marker
func readUntil(t *testing.T, r io.Reader, marker string) string {
	t.Helper()
	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		chunk := make([]byte, 256)
		for {
			n, err := r.Read(chunk)
			buf.Write(chunk[:n])
			if strings.Contains(buf.String(), marker) {
				done <- nil
				return
			}
			if err != nil {
				done <- err
				return
			}
		}
	}()
	select {
	case err := <-done:
		require.NoError(t, err, "received: %q", buf.String())
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %q", marker)
	}
	return buf.String()
}

// TestShellSession 横幅、提示符、回显、分页指令与未知命令
func TestShellSession(t *testing.T) {
	srv := startServer(t, DeviceConfig{
		Hostname: "HUAWEI",
		Username: "admin",
		Banner:   "Welcome",
		Commands: []CommandReply{{Command: "display clock", Output: "10:00:00\n"}},
	})
	client, err := dial(t, srv, "admin", "nova")
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()
	stdin, err := sess.StdinPipe()
	require.NoError(t, err)
	stdout, err := sess.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, sess.Shell())

	out := readUntil(t, stdout, "<HUAWEI>")
	assert.Equal(t, "Welcome\r\n<HUAWEI>", out)

	fmt.Fprint(stdin, "screen-length 0 temporary\n")
	out = readUntil(t, stdout, "<HUAWEI>")
	assert.Contains(t, out, "Info: The configuration takes effect")

	fmt.Fprint(stdin, "display   CLOCK\n")
	out = readUntil(t, stdout, "<HUAWEI>")
	assert.Equal(t, "display   CLOCK\r\n10:00:00\r\n<HUAWEI>", out)

	fmt.Fprint(stdin, "display foo\n")
	out = readUntil(t, stdout, "<HUAWEI>")
	assert.Contains(t, out, "Unrecognized command")

	fmt.Fprint(stdin, "quit\n")
	require.NoError(t, sess.Wait())

	assert.Equal(t, []string{"screen-length 0 temporary", "display   CLOCK", "display foo", "quit"}, srv.Received())
}

// TestExecSession exec 方式：stdout/stderr 分离并返回退出码
func TestExecSession(t *testing.T) {
	srv := startServer(t, DeviceConfig{
		Commands: []CommandReply{{Command: "display clock", Output: "10:00:00\n", Stderr: "Warning: NTP"}},
	})
	client, err := dial(t, srv, "anyone", "nova")
	require.NoError(t, err, "未配置用户名时接受任意用户")
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	defer sess.Close()
	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	require.NoError(t, sess.Run("screen-length 0 temporary\ndisplay clock\n"))

	assert.Equal(t, "10:00:00\r\n", stdout.String())
	assert.Equal(t, "Warning: NTP\r\n", stderr.String())
}

// TestWrongPassword 密码错误拒绝认证
func TestWrongPassword(t *testing.T) {
	srv := startServer(t, DeviceConfig{Username: "admin"})
	_, err := dial(t, srv, "admin", "bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to authenticate")

	_, err = dial(t, srv, "root", "nova")
	assert.Error(t, err)
	require.Eventually(t, func() bool { return srv.ActiveConns() == 0 }, 2*time.Second, 20*time.Millisecond)
}

// TestKeyboardInteractiveOnly 关闭 password 方式后只能用 keyboard-interactive 登录
func TestKeyboardInteractiveOnly(t *testing.T) {
	srv := startServer(t, DeviceConfig{Username: "admin", KeyboardInteractiveOnly: true})

	_, err := dial(t, srv, "admin", "nova")
	require.Error(t, err, "password 方式应被拒绝")

	client, err := ssh.Dial("tcp", srv.Addr(), &ssh.ClientConfig{
		User: "admin",
		Auth: []ssh.AuthMethod{ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = "nova"
			}
			return answers, nil
		})},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
	require.NoError(t, err)
	_ = client.Close()
}

// TestLookupCommandDir 内联命令优先，其次读取 command_dir 下的文件
func TestLookupCommandDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "display_interface_brief.txt"), []byte("GE1/0/1 up\n"), 0o644))

	srv, err := NewServer(DeviceConfig{
		Password:   "nova",
		CommandDir: dir,
		Commands:   []CommandReply{{Command: "display version", Output: "VRP"}},
	})
	require.NoError(t, err)

	reply, ok := srv.lookup("Display  Version")
	assert.True(t, ok)
	assert.Equal(t, "VRP\r\n", reply.Output)

	reply, ok = srv.lookup("display interface brief")
	assert.True(t, ok)
	assert.Equal(t, "GE1/0/1 up\r\n", reply.Output)

	reply, ok = srv.lookup("display nothing")
	assert.False(t, ok)
	assert.Equal(t, unknownCommandOutput, reply.Output)
}

// TestNewServerRequiresPassword 必须配置密码
func TestNewServerRequiresPassword(t *testing.T) {
	_, err := NewServer(DeviceConfig{})
	assert.Error(t, err)
}

// TestHostKeyPersisted 指定 host_key_file 时生成并复用同一密钥
func TestHostKeyPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "host.pem")
	k1, err := loadOrCreateHostKey(path)
	require.NoError(t, err)
	k2, err := loadOrCreateHostKey(path)
	require.NoError(t, err)
	assert.Equal(t, k1.PublicKey().Marshal(), k2.PublicKey().Marshal())
}

// TestLoadSampleConfigAndStart 示例配置可解析，Manager 按名称启动设备
func TestLoadSampleConfigAndStart(t *testing.T) {
	cfg, err := LoadConfig("simulate.yaml")
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 3)

	core := cfg.Devices["huawei-core"]
	assert.Equal(t, "HUAWEI", core.Hostname)
	require.Len(t, core.Commands, 3)
	assert.Equal(t, "display current-configuration | include sysname", core.Commands[1].Command)
	assert.Equal(t, 50*time.Millisecond, cfg.Devices["slow-edge"].ChunkDelay)
	assert.True(t, cfg.Devices["stalled"].Stall)

	for name, dev := range cfg.Devices {
		dev.Port = 0
		cfg.Devices[name] = dev
	}
	mgr, err := Start(cfg)
	require.NoError(t, err)
	defer mgr.Stop()

	assert.Equal(t, []string{"huawei-core", "slow-edge", "stalled"}, mgr.Names())
	srv, ok := mgr.Server("stalled")
	require.True(t, ok)
	assert.Equal(t, "STALL", srv.cfg.Hostname)
}

// TestLoadConfigNoDevices 没有设备时报错
func TestLoadConfigNoDevices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 127.0.0.1\n"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
