package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"gorm.io/gorm"

	"github.com/sshcollectorpro/shellexec/api/router"
	"github.com/sshcollectorpro/shellexec/internal/config"
	"github.com/sshcollectorpro/shellexec/internal/database"
	"github.com/sshcollectorpro/shellexec/internal/service"
	"github.com/sshcollectorpro/shellexec/pkg/logger"
	"github.com/sshcollectorpro/shellexec/simulate"
)

func main() {
	configPath := os.Getenv("SHELLEXEC_CONFIG")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Log.LoggerConfig()); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.WithField("version", router.Version).Info("Starting shellexec server")

	// 执行历史（可选）
	var (
		db      *gorm.DB
		history service.HistoryStore
	)
	if cfg.Database.SQLite.Enabled {
		db, err = database.Open(cfg.Database.SQLite)
		if err != nil {
			logger.Fatalf("Failed to initialize database: %v", err)
		}
		defer database.Close(db)
		history = service.NewGormHistoryStore(db)
	}

	// 输出归档（可选）
	var archive service.ArchiveWriter
	if w := service.NewArchiveWriter(cfg.Storage); w != nil {
		archive = w
		logger.WithField("backend", cfg.Storage.Backend).Info("Output archive enabled")
	}

	execService, err := service.NewExecService(cfg, history, archive)
	if err != nil {
		logger.Fatalf("Failed to create exec service: %v", err)
	}
	if err := execService.Start(context.Background()); err != nil {
		logger.Fatalf("Failed to start exec service: %v", err)
	}
	defer execService.Stop()

	// 模拟设备（可选）
	sim := &simulators{path: cfg.Simulate.ConfigPath}
	if cfg.Simulate.Enable {
		sim.start()
	}
	defer sim.stop()

	r := router.SetupRouter(execService, cfg.Server.Mode)
	server := &http.Server{
		Addr:           cfg.GetServerAddr(),
		Handler:        r,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	go func() {
		logger.WithField("addr", server.Addr).WithField("mode", cfg.Server.Mode).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 配置热更新：日志级别、引擎参数、模拟器开关
	go watchFile(configPath, func() {
		newCfg, err := config.Load(configPath)
		if err != nil {
			logger.WithField("error", err.Error()).Warn("Config reload failed")
			return
		}
		if err := logger.Init(newCfg.Log.LoggerConfig()); err != nil {
			logger.WithField("error", err.Error()).Warn("Logger reload failed")
		}
		if err := execService.UpdateOptions(newCfg.SSH); err != nil {
			logger.WithField("error", err.Error()).Warn("Engine options reload failed")
		}
		sim.setPath(newCfg.Simulate.ConfigPath)
		switch {
		case newCfg.Simulate.Enable && !sim.running():
			sim.start()
		case !newCfg.Simulate.Enable && sim.running():
			sim.stop()
		}
		logger.Info("Config reloaded")
	})

	// simulate.yaml 变化时重启模拟设备
	if cfg.Simulate.Enable {
		go watchFile(cfg.Simulate.ConfigPath, func() {
			if !sim.running() {
				return
			}
			sim.stop()
			sim.start()
			logger.Info("Simulate: reloaded")
		})
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	} else {
		logger.Info("Server shutdown complete")
	}
}

// simulators 模拟设备的启停
type simulators struct {
	mu   sync.Mutex
	path string
	mgr  *simulate.Manager
}

func (s *simulators) setPath(path string) {
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
}

func (s *simulators) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mgr != nil
}

func (s *simulators) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr != nil {
		return
	}
	sc, err := simulate.LoadConfig(s.path)
	if err != nil {
		logger.WithField("path", s.path).WithField("error", err.Error()).Warn("Simulate: failed to load config")
		return
	}
	mgr, err := simulate.Start(sc)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Simulate: failed to start")
		return
	}
	s.mgr = mgr
	logger.WithField("devices", len(sc.Devices)).Info("Simulate: started")
}

func (s *simulators) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr != nil {
		s.mgr.Stop()
		s.mgr = nil
	}
}

// watchFile 监听文件变化，防抖后执行 fn
func watchFile(path string, fn func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Config watch init failed")
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		logger.WithField("path", path).WithField("error", err.Error()).Warn("Config watch add failed")
		return
	}

	var debounce *time.Timer
	debounceInterval := 300 * time.Millisecond
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(debounceInterval, fn)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithField("error", err.Error()).Warn("Config watch error")
		}
	}
}
