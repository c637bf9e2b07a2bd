package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sshcollectorpro/shellexec/internal/config"
	"github.com/sshcollectorpro/shellexec/internal/service"
	"github.com/sshcollectorpro/shellexec/pkg/logger"
	"github.com/sshcollectorpro/shellexec/simulate"
)

// errExecFailed 命令执行失败，输出已打印
var errExecFailed = errors.New("command execution failed")

func newRootCmd(version string) *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	root := &cobra.Command{
		Use:           "shellexec",
		Short:         "在网络设备上通过 SSH 执行单条命令",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{Level: logLevel, Format: "text", Output: "console"})
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径（默认查找 ./configs/config.yaml）")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "日志级别")

	root.AddCommand(newRunCmd(&configPath))
	root.AddCommand(newSimulateCmd())
	root.AddCommand(newVersionCmd(version))
	return root
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version)
		},
	}
}

type runFlags struct {
	req     service.ExecuteRequest
	output  string
	server  string
	timeout time.Duration
}

func newRunCmd(configPath *string) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [command]",
		Short: "执行一条命令并输出结果",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.req.Command = args[0]
			}
			if f.req.Password == "" {
				f.req.Password = os.Getenv("SHELLEXEC_PASSWORD")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()

			var (
				resp *service.ExecuteResponse
				err  error
			)
			if f.server != "" {
				resp, err = runRemote(ctx, f.server, &f.req)
			} else {
				resp, err = runLocal(ctx, *configPath, &f.req)
			}
			if err != nil {
				return err
			}
			if err := writeOutput(cmd.OutOrStdout(), f.output, resp); err != nil {
				return err
			}
			if resp.Status != service.StatusSuccess {
				return errExecFailed
			}
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.req.Host, "host", "", "设备地址")
	fl.IntVarP(&f.req.Port, "port", "p", 22, "SSH 端口")
	fl.StringVarP(&f.req.Username, "username", "u", "", "用户名")
	fl.StringVar(&f.req.Password, "password", "", "密码（也可使用环境变量 SHELLEXEC_PASSWORD）")
	fl.StringVar(&f.req.Command, "command", "", "要执行的命令")
	fl.StringVar(&f.req.StopPolicy, "stop-policy", "", "auto | prompt | quiescence")
	fl.StringVar(&f.req.Mode, "mode", "", "shell | exec")
	fl.StringVarP(&f.output, "output", "o", "json", "json | yaml | text")
	fl.StringVar(&f.server, "server", "", "通过已运行的服务执行，例如 http://127.0.0.1:5000")
	fl.DurationVar(&f.timeout, "timeout", 5*time.Minute, "整体超时")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

// runLocal 在本进程内执行
func runLocal(ctx context.Context, configPath string, req *service.ExecuteRequest) (*service.ExecuteResponse, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	svc, err := service.NewExecService(cfg, nil, service.NewArchiveWriter(cfg.Storage))
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}
	defer svc.Stop()
	return svc.Execute(ctx, req), nil
}

// runRemote 调用服务端的 /api/v1/execute
func runRemote(ctx context.Context, server string, req *service.ExecuteRequest) (*service.ExecuteResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(server, "/") + "/api/v1/execute"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	var resp service.ExecuteResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unexpected response (HTTP %d): %s", httpResp.StatusCode, strings.TrimSpace(string(data)))
	}
	return &resp, nil
}

func writeOutput(w io.Writer, format string, resp *service.ExecuteResponse) error {
	switch strings.ToLower(format) {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(resp)
	case "text":
		if resp.Status == service.StatusSuccess {
			_, err := fmt.Fprintln(w, resp.Output)
			return err
		}
		_, err := fmt.Fprintf(w, "%s: %s\n", resp.ErrorKind, resp.Message)
		return err
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	return fmt.Errorf("unknown output format %q", format)
}

func newSimulateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "按 simulate.yaml 启动模拟设备",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := simulate.LoadConfig(file)
			if err != nil {
				return err
			}
			mgr, err := simulate.Start(sc)
			if err != nil {
				return err
			}
			defer mgr.Stop()
			for _, name := range mgr.Names() {
				srv, _ := mgr.Server(name)
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", name, srv.Addr())
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "simulate/simulate.yaml", "模拟设备配置")

	dump := &cobra.Command{
		Use:   "dump",
		Short: "输出解析后的模拟设备配置",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := simulate.LoadConfig(file)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(sc)
		},
	}
	cmd.AddCommand(dump)
	return cmd
}
