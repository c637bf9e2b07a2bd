package ssh

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// clientConfig 构建 SSH 客户端配置：只用密码认证，接受任意主机密钥，
// 并保留旧设备常见的密钥交换/加密/MAC 算法
func clientConfig(target Target, opts Options) *ssh.ClientConfig {
	return &ssh.ClientConfig{
		User: target.Username,
		// 同时尝试 password 与 keyboard-interactive，部分设备只开放后者
		Auth: []ssh.AuthMethod{
			ssh.Password(target.Password),
			ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = target.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         opts.ConnectTimeout,
		BannerCallback: func(message string) error {
			opts.Logger.WithField("banner", message).Debug("SSH auth banner received")
			return nil
		},
		Config: ssh.Config{
			KeyExchanges: []string{
				"curve25519-sha256",
				"curve25519-sha256@libssh.org",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group14-sha1",
				"diffie-hellman-group-exchange-sha256",
				"diffie-hellman-group-exchange-sha1",
				"diffie-hellman-group1-sha1",
			},
			Ciphers: []string{
				"aes128-gcm@openssh.com",
				"aes256-gcm@openssh.com",
				"chacha20-poly1305@openssh.com",
				"aes128-ctr",
				"aes192-ctr",
				"aes256-ctr",
				"aes128-cbc",
				"3des-cbc",
			},
			MACs: []string{
				"hmac-sha2-256-etm@openssh.com",
				"hmac-sha2-256",
				"hmac-sha1",
				"hmac-sha1-96",
			},
		},
		HostKeyAlgorithms: []string{
			"ssh-ed25519",
			"rsa-sha2-256",
			"rsa-sha2-512",
			"ssh-rsa",
			"ecdsa-sha2-nistp256",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp521",
		},
	}
}

// Dial 建立 TCP 连接并完成 SSH 握手与密码认证
func Dial(ctx context.Context, target Target, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	s := newSession(target, opts)

	addr := target.Address()
	dctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, classify(StageConnect, target.Host, ctx.Err())
		}
		return nil, classify(StageConnect, target.Host, fmt.Errorf("failed to dial %s: %w", addr, err))
	}

	// 握手阶段没有内建超时：设置连接截止时间，并在上下文取消时关闭连接
	_ = conn.SetDeadline(time.Now().Add(opts.ConnectTimeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig(target, opts))
	stop()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, classify(StageConnect, target.Host, ctx.Err())
		}
		if isAuthFailure(err) {
			return nil, newError(KindAuth, StageAuthenticate, target.Host, err)
		}
		if isTimeout(err) {
			return nil, newError(KindTimeout, StageConnect, target.Host, err)
		}
		return nil, newError(KindProtocol, StageConnect, target.Host, fmt.Errorf("failed to create SSH connection: %w", err))
	}
	_ = conn.SetDeadline(time.Time{})

	s.client = ssh.NewClient(sshConn, chans, reqs)
	s.setState(StateConnected)
	return s, nil
}
