package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"ipkforge/internal/compiler"
	"ipkforge/internal/compiler/toolchain"
	"ipkforge/internal/config"
	"ipkforge/internal/logger"
	"ipkforge/internal/server"
	"ipkforge/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "compiler: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("compiler", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "ipkforge.yaml", "settings file")
	listen := flags.String("listen", "", "listen address (overrides compiler.listen)")
	registryURL := flags.String("registry", "", "registry base URL (overrides compiler.registry_url)")
	port := flags.Int("port", 0, "port announced to the registry (overrides compiler.advertise_port)")
	taskMax := flags.IntP("task-max", "j", 0, "parallel native compiles (overrides compiler.task_max)")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	flags.Parse(os.Args[1:])

	// 1. 配置
	settings, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg := settings.Compiler
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *registryURL != "" {
		cfg.RegistryURL = *registryURL
	}
	if *port > 0 {
		cfg.AdvertisePort = *port
	}
	if *taskMax > 0 {
		cfg.TaskMax = *taskMax
	}
	if *logLevel != "" {
		settings.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logger.New(settings.Logging.Level, settings.Logging.Format, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 工具链，找不到交叉编译器直接退出
	tc, err := newToolchain(cfg, log)
	if err != nil {
		return err
	}
	verifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = tc.Verify(verifyCtx)
	cancel()
	if errors.Is(err, toolchain.ErrCompilerMissing) {
		log.Error("cross compiler not found, exiting", "path", tc.CompilerPath(), "error", err)
		return err
	}
	if err != nil {
		return err
	}

	// 3. 存储
	artifacts, err := compiler.NewArtifactStore(cfg.UploadPath, cfg.OutputPath)
	if err != nil {
		return err
	}
	names, closeNames, err := openNameIndex(cfg, log)
	if err != nil {
		return err
	}
	defer closeNames()

	// 4. 编译服务 + 注册
	service := compiler.NewService(tc, artifacts, names, cfg.TaskMax, log)
	agent := compiler.NewAgent(service, cfg.RegistryURL, cfg.AdvertisePort, cfg.HeartbeatInterval, log)

	router := server.NewRouter(log)
	compiler.NewController(service).RegisterRoutes(router)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	log.Info("compile node started",
		"listen", cfg.Listen,
		"task_max", cfg.TaskMax,
		"toolchain", tc.CompilerPath(),
		"docker", cfg.Docker.Image != "",
	)
	err = serveNode(ctx, ln, router, agent, log)
	log.Info("compile node stopped")
	return err
}

// serveNode 监听已经绑定后才启动心跳，返回前等 agent 退出
func serveNode(ctx context.Context, ln net.Listener, handler http.Handler, agent *compiler.Agent, log *slog.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		agent.Run(ctx)
	}()

	err := server.ServeListener(ctx, ln, handler, log)

	// 监听失败时也要停掉编译循环
	stop()
	<-agentDone
	return err
}

func newToolchain(cfg config.CompilerConfig, log *slog.Logger) (*toolchain.Toolchain, error) {
	tc := &toolchain.Toolchain{
		Root:       cfg.ToolsPath,
		Triple:     cfg.TargetTriple,
		Translator: cfg.Translator,
		Runner:     toolchain.LocalRunner{},
	}
	if cfg.Docker.Image != "" {
		runner, err := toolchain.NewDockerRunner(cfg.Docker.Image, log)
		if err != nil {
			return nil, fmt.Errorf("docker runner: %w", err)
		}
		tc.Runner = runner
	}
	return tc, nil
}

// openNameIndex 配置了 etcd 时使用 etcd，否则使用本地 JSON 文件
func openNameIndex(cfg config.CompilerConfig, log *slog.Logger) (store.NameIndex, func(), error) {
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdManager, err := store.NewEtcdManager(cfg.Etcd.Endpoints, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect etcd: %w", err)
		}
		return etcdManager, func() { etcdManager.Close() }, nil
	}

	index, err := store.OpenFileIndex(cfg.NameIndex)
	if err != nil {
		return nil, nil, err
	}
	return index, func() {}, nil
}
