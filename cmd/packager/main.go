package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"ipkforge/internal/config"
	"ipkforge/internal/dispatcher"
	"ipkforge/internal/logger"
	"ipkforge/internal/packager"
	"ipkforge/internal/sealer"
	"ipkforge/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "packager: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("packager", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "ipkforge.yaml", "settings file")
	listen := flags.String("listen", "", "listen address (overrides packager.listen)")
	registryURL := flags.String("registry", "", "registry base URL (overrides packager.registry_url)")
	taskMax := flags.IntP("task-max", "j", 0, "parallel package builds (overrides packager.task_max)")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	flags.Parse(os.Args[1:])

	// 1. 配置
	settings, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg := settings.Packager
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *registryURL != "" {
		cfg.RegistryURL = *registryURL
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

	// 2. 标准基础包
	if cfg.PackageRules != "" {
		if err := packager.BuildBaseTemplate(cfg.PackageRules, cfg.ProjectPath, cfg.BaseTemplate, log); err != nil {
			return fmt.Errorf("build base template: %w", err)
		}
	}
	if _, err := os.Stat(cfg.BaseTemplate); err != nil {
		return fmt.Errorf("base template: %w", err)
	}

	// 3. UID 加密，未配置时只有不写 version.py 的版本可以打包
	var seal sealer.Sealer
	if cfg.SealRecipient != "" {
		s, err := sealer.NewAgeSealer(cfg.SealRecipient)
		if err != nil {
			return err
		}
		seal = s
	} else {
		log.Warn("packager.seal_recipient is empty, stamped variants will fail")
	}

	// 4. 分发器 → 组装 → 任务
	dispatch := dispatcher.New(
		dispatcher.NewRegistryClient(cfg.RegistryURL, cfg.ProbeTimeout),
		dispatcher.NewNodeClient(cfg.ProbeTimeout, cfg.RequestTimeout),
		dispatcher.Config{
			PollInterval:  cfg.PollInterval,
			RetryInterval: cfg.RetryInterval,
		},
		log,
	)
	assembler := packager.NewAssembler(packager.Paths{
		Project:      cfg.ProjectPath,
		Depends:      cfg.DependsPath,
		Output:       cfg.OutputPath,
		BaseTemplate: cfg.BaseTemplate,
	}, dispatch, seal, log)
	tasks := packager.NewTaskManager(assembler, cfg.TaskMax, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tasksDone := make(chan struct{})
	go func() {
		defer close(tasksDone)
		tasks.Run(ctx)
	}()

	router := server.NewRouter(log)
	packager.NewController(tasks).RegisterRoutes(router)

	log.Info("packager started",
		"listen", cfg.Listen,
		"registry", cfg.RegistryURL,
		"task_max", cfg.TaskMax,
		"variants", packager.VariantNames(),
	)
	err = server.Serve(ctx, cfg.Listen, router, log)

	stop()
	<-tasksDone
	log.Info("packager stopped")
	return err
}
