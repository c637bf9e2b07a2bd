package simulate

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/sshcollectorpro/shellexec/pkg/logger"
)

const (
	defaultPagingCommand = "screen-length 0 temporary"
	unknownCommandOutput = "Error: Unrecognized command found at '^' position.\r\n"
)

// CommandReply 模拟命令的输出
type CommandReply struct {
	Command string `mapstructure:"command" yaml:"command"`
	Output  string `mapstructure:"output" yaml:"output"`
	// Stderr 仅 exec 方式下写入 stderr
	Stderr string `mapstructure:"stderr" yaml:"stderr"`
}

// DeviceConfig 单台模拟设备
type DeviceConfig struct {
	Port     int    `mapstructure:"port" yaml:"port"`
	Hostname string `mapstructure:"hostname" yaml:"hostname"`
	// Username 为空时接受任意用户名
	Username string         `mapstructure:"username" yaml:"username"`
	Password string         `mapstructure:"password" yaml:"password"`
	Banner   string         `mapstructure:"banner" yaml:"banner"`
	Commands []CommandReply `mapstructure:"commands" yaml:"commands"`
	// CommandDir 目录下 <command>.txt（空格可写作下划线）作为命令输出
	CommandDir    string `mapstructure:"command_dir" yaml:"command_dir"`
	PagingCommand string `mapstructure:"paging_command" yaml:"paging_command"`
	// NoEcho 不回显输入
	NoEcho bool `mapstructure:"no_echo" yaml:"no_echo"`
	// Stall 收到第一条业务命令后不再输出任何内容
	Stall bool `mapstructure:"stall" yaml:"stall"`
	// ChunkSize/ChunkDelay 分片输出，模拟慢速设备
	ChunkSize  int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	ChunkDelay time.Duration `mapstructure:"chunk_delay" yaml:"chunk_delay"`
	// CloseAfterCommand 输出后直接关闭通道，不再打印提示符
	CloseAfterCommand       bool   `mapstructure:"close_after_command" yaml:"close_after_command"`
	// CloseOnLogin 打开 shell 后不输出任何内容直接关闭通道（VTY 已满）
	CloseOnLogin            bool   `mapstructure:"close_on_login" yaml:"close_on_login"`
	// KeyboardInteractiveOnly 只开放 keyboard-interactive 认证
	KeyboardInteractiveOnly bool   `mapstructure:"keyboard_interactive_only" yaml:"keyboard_interactive_only"`
	MaxConn                 int    `mapstructure:"max_conn" yaml:"max_conn"`
	HostKeyFile             string `mapstructure:"host_key_file" yaml:"host_key_file"`
}

func (c DeviceConfig) prompt() string {
	return "<" + c.Hostname + ">"
}

// Server 单台设备的 SSH 模拟服务
type Server struct {
	cfg      DeviceConfig
	hostKey  ssh.Signer
	log      *logrus.Entry
	listener net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	received []string
	wg       sync.WaitGroup
}

// NewServer 创建模拟服务；未配置 host_key_file 时使用临时 ed25519 密钥
func NewServer(cfg DeviceConfig) (*Server, error) {
	if cfg.Hostname == "" {
		cfg.Hostname = "HUAWEI"
	}
	if cfg.Password == "" {
		return nil, errors.New("simulated device requires a password")
	}
	if cfg.PagingCommand == "" {
		cfg.PagingCommand = defaultPagingCommand
	}
	signer, err := loadOrCreateHostKey(cfg.HostKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to init host key: %w", err)
	}
	return &Server{
		cfg:     cfg,
		hostKey: signer,
		log:     logger.WithField("device", cfg.Hostname),
		conns:   make(map[net.Conn]struct{}),
	}, nil
}

// Listen 监听并在后台接受连接，addr 为空时使用配置端口
func (s *Server) Listen(addr string) error {
	if addr == "" {
		addr = fmt.Sprintf(":%d", s.cfg.Port)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.WithField("addr", ln.Addr().String()).Debug("Simulate: listener started")

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port 实际监听端口
func (s *Server) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// ActiveConns 当前存活的连接数
func (s *Server) ActiveConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Received 按顺序返回收到的所有非空输入行
func (s *Server) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Close 停止监听、断开所有连接并等待处理协程退出
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("Simulate: accept error")
			time.Sleep(200 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.cfg.MaxConn > 0 && len(s.conns) >= s.cfg.MaxConn {
			s.mu.Unlock()
			_ = conn.Close()
			s.log.Warn("Simulate: reject connection, max_conn exceeded")
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			s.handleConn(c)
			_ = c.Close()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}(conn)
	}
}

func (s *Server) checkCredentials(user string, password []byte) bool {
	userOK := s.cfg.Username == "" || user == s.cfg.Username
	passOK := subtle.ConstantTimeCompare(password, []byte(s.cfg.Password)) == 1
	return userOK && passOK
}

func (s *Server) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		KeyboardInteractiveCallback: func(meta ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge(meta.User(), "Authentication", []string{"Password:"}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) > 0 && s.checkCredentials(meta.User(), []byte(answers[0])) {
				return nil, nil
			}
			s.log.WithField("user", meta.User()).Debug("Simulate: auth failed (keyboard-interactive)")
			return nil, fmt.Errorf("access denied")
		},
	}
	if !s.cfg.KeyboardInteractiveOnly {
		cfg.PasswordCallback = func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if s.checkCredentials(meta.User(), password) {
				return nil, nil
			}
			s.log.WithField("user", meta.User()).Debug("Simulate: auth failed")
			return nil, fmt.Errorf("access denied")
		}
	}
	cfg.AddHostKey(s.hostKey)
	return cfg
}

func (s *Server) handleConn(nc net.Conn) {
	conn, chans, reqs, err := ssh.NewServerConn(nc, s.serverConfig())
	if err != nil {
		s.log.WithError(err).Debug("Simulate: SSH handshake failed")
		return
	}
	defer conn.Close()
	s.log.WithField("user", conn.User()).Debug("Simulate: handshake success")

	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for ch := range chans {
		if ch.ChannelType() != "session" {
			_ = ch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := ch.Accept()
		if err != nil {
			s.log.WithError(err).Debug("Simulate: channel accept failed")
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(conn, channel, requests)
		}()
	}
	wg.Wait()
}

func (s *Server) handleSession(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()
	for req := range requests {
		switch req.Type {
		case "pty-req", "env", "window-change":
			_ = req.Reply(true, nil)
		case "shell":
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			if s.runShell(channel) {
				sendExitStatus(channel, 0)
			}
			return
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			if s.runExec(channel, payload.Command) {
				sendExitStatus(channel, 0)
			}
			return
		default:
			_ = req.Reply(false, nil)
		}
	}
}

func sendExitStatus(channel ssh.Channel, code uint32) {
	status := struct{ Status uint32 }{code}
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&status))
}

// runShell 交互式会话；返回 false 表示会话被挂起直到连接断开
func (s *Server) runShell(channel ssh.Channel) bool {
	if s.cfg.CloseOnLogin {
		s.log.Debug("Simulate: closing shell on login")
		return true
	}
	if s.cfg.Banner != "" {
		s.write(channel, ensureCRLF(s.cfg.Banner))
	}
	s.write(channel, s.cfg.prompt())

	reader := bufio.NewReader(channel)
	stalled := false
	for {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return !stalled
		}
		cmd := strings.TrimSpace(strings.TrimRight(line, "\r\n"))
		if cmd != "" {
			s.record(cmd)
		}
		if stalled {
			continue
		}
		control := cmd == "" || equalAny(cmd, "quit", "exit", s.cfg.PagingCommand)
		if s.cfg.Stall && !control {
			stalled = true
			s.log.WithField("cmd", cmd).Debug("Simulate: stalling")
			continue
		}
		if !s.cfg.NoEcho {
			s.write(channel, cmd+"\r\n")
		}

		switch {
		case cmd == "":
			s.write(channel, s.cfg.prompt())
		case equalAny(cmd, "quit", "exit"):
			return true
		case equalAny(cmd, s.cfg.PagingCommand):
			s.write(channel, "Info: The configuration takes effect on the current user terminal interface only.\r\n")
			s.write(channel, s.cfg.prompt())
		default:
			reply, _ := s.lookup(cmd)
			s.writeChunked(channel, reply.Output)
			if s.cfg.CloseAfterCommand {
				return true
			}
			s.write(channel, s.cfg.prompt())
		}
	}
}

func (s *Server) runExec(channel ssh.Channel, payload string) bool {
	for _, line := range strings.Split(payload, "\n") {
		cmd := strings.TrimSpace(line)
		if cmd == "" {
			continue
		}
		s.record(cmd)
		if equalAny(cmd, s.cfg.PagingCommand) {
			continue
		}
		if s.cfg.Stall {
			// 保持通道打开，直到连接被关闭
			_, _ = io.Copy(io.Discard, channel)
			return false
		}
		reply, _ := s.lookup(cmd)
		s.writeChunked(channel, reply.Output)
		if reply.Stderr != "" {
			_, _ = channel.Stderr().Write([]byte(ensureCRLF(reply.Stderr)))
		}
	}
	return true
}

func (s *Server) record(cmd string) {
	s.mu.Lock()
	s.received = append(s.received, cmd)
	s.mu.Unlock()
}

func (s *Server) write(w io.Writer, text string) {
	if _, err := w.Write([]byte(text)); err != nil {
		s.log.WithError(err).Debug("Simulate: write failed")
	}
}

func (s *Server) writeChunked(w io.Writer, text string) {
	if s.cfg.ChunkSize <= 0 {
		s.write(w, text)
		return
	}
	for len(text) > 0 {
		n := s.cfg.ChunkSize
		if n > len(text) {
			n = len(text)
		}
		s.write(w, text[:n])
		text = text[n:]
		if len(text) > 0 && s.cfg.ChunkDelay > 0 {
			time.Sleep(s.cfg.ChunkDelay)
		}
	}
}

// lookup 先查内联命令，再查 command_dir；未知命令返回设备的错误提示
func (s *Server) lookup(cmd string) (CommandReply, bool) {
	key := normalizeCommand(cmd)
	for _, c := range s.cfg.Commands {
		if normalizeCommand(c.Command) == key {
			c.Output = ensureCRLF(c.Output)
			return c, true
		}
	}
	if s.cfg.CommandDir != "" {
		for _, name := range []string{cmd, strings.ReplaceAll(cmd, " ", "_")} {
			bs, err := os.ReadFile(filepath.Join(s.cfg.CommandDir, name+".txt"))
			if err == nil {
				return CommandReply{Command: cmd, Output: ensureCRLF(string(bs))}, true
			}
		}
	}
	s.log.WithField("cmd", cmd).Debug("Simulate: command unmatched")
	return CommandReply{Command: cmd, Output: unknownCommandOutput}, false
}

func normalizeCommand(cmd string) string {
	return strings.ToLower(strings.Join(strings.Fields(cmd), " "))
}

func ensureCRLF(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\n", "\r\n")
	if s != "" && !strings.HasSuffix(s, "\r\n") {
		s += "\r\n"
	}
	return s
}

func equalAny(s string, opts ...string) bool {
	s = normalizeCommand(s)
	for _, o := range opts {
		if s == normalizeCommand(o) {
			return true
		}
	}
	return false
}

// loadOrCreateHostKey path 为空时生成临时 ed25519 密钥；否则读取 PEM，不存在则生成 RSA 密钥并保存
func loadOrCreateHostKey(path string) (ssh.Signer, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return ssh.NewSignerFromKey(priv)
	}
	if bs, err := os.ReadFile(path); err == nil {
		return ssh.ParsePrivateKey(bs)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKey(pemBytes)
}
