package simulate

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/spf13/viper"

	"github.com/sshcollectorpro/shellexec/pkg/logger"
)

// Config simulate.yaml 配置结构
type Config struct {
	// Listen 监听地址（不含端口），默认 127.0.0.1
	Listen  string                  `mapstructure:"listen" yaml:"listen"`
	Devices map[string]DeviceConfig `mapstructure:"devices" yaml:"devices"`
}

// LoadConfig 读取模拟设备配置
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetDefault("listen", "127.0.0.1")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read simulate config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal simulate config: %w", err)
	}
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("simulate config %s defines no devices", path)
	}
	return &cfg, nil
}

// Manager 管理多台模拟设备，每台设备监听独立端口
type Manager struct {
	mu      sync.Mutex
	servers map[string]*Server
}

// Start 启动配置中的所有设备；任一设备启动失败时停止已启动的设备并返回错误
func Start(cfg *Config) (*Manager, error) {
	m := &Manager{servers: make(map[string]*Server)}
	host := cfg.Listen
	if host == "" {
		host = "127.0.0.1"
	}

	names := make([]string, 0, len(cfg.Devices))
	for name := range cfg.Devices {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dev := cfg.Devices[name]
		if dev.Hostname == "" {
			dev.Hostname = name
		}
		srv, err := NewServer(dev)
		if err != nil {
			m.Stop()
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
		if err := srv.Listen(net.JoinHostPort(host, strconv.Itoa(dev.Port))); err != nil {
			m.Stop()
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
		m.servers[name] = srv
		logger.WithField("device", name).WithField("addr", srv.Addr()).Info("Simulate: device started")
	}
	return m, nil
}

// Server 按名称获取设备
func (m *Manager) Server(name string) (*Server, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[name]
	return s, ok
}

// Stop 停止所有模拟设备
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, srv := range m.servers {
		_ = srv.Close()
		logger.WithField("device", name).Info("Simulate: device stopped")
	}
	m.servers = make(map[string]*Server)
}

// Names 已启动设备的名称（有序）
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
