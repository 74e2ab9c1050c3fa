package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"ipkforge/internal/config"
	"ipkforge/internal/logger"
	"ipkforge/internal/registry"
	"ipkforge/internal/server"
	"ipkforge/pkg/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "registry: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("registry", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "ipkforge.yaml", "settings file")
	listen := flags.String("listen", "", "listen address (overrides registry.listen)")
	nodePort := flags.Int("node-port", 0, "default compile node port (overrides registry.node_port)")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	flags.Parse(os.Args[1:])

	// 1. 配置
	settings, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	cfg := settings.Registry
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *nodePort > 0 {
		cfg.NodePort = *nodePort
	}
	if *logLevel != "" {
		settings.Logging.Level = *logLevel
	}
	log := logger.New(settings.Logging.Level, settings.Logging.Format, os.Stderr)

	// 2. 可选的 etcd 镜像
	opts := []registry.Option{registry.WithIntervals(cfg.SweepInterval, cfg.IdleInterval)}
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdManager, err := store.NewEtcdManager(cfg.Etcd.Endpoints, log)
		if err != nil {
			return fmt.Errorf("connect etcd: %w", err)
		}
		defer etcdManager.Close()
		opts = append(opts, registry.WithMirror(etcdManager))
		log.Info("mirroring membership to etcd", "endpoints", cfg.Etcd.Endpoints)
	}

	reg := registry.New(registry.NewHTTPProber(cfg.ProbeTimeout), log, opts...)

	// 3. 巡检 + HTTP
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reg.Run(ctx)

	router := server.NewRouter(log)
	registry.NewController(reg, cfg.NodePort).RegisterRoutes(router)

	log.Info("registry started", "listen", cfg.Listen, "node_port", cfg.NodePort)
	err = server.Serve(ctx, cfg.Listen, router, log)
	log.Info("shutting down registry")
	return err
}
