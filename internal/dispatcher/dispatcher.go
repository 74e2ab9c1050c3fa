// Package dispatcher 把模块分发到空闲的编译节点并取回产物
//
// 提交阶段对暂时不可用 (没有节点、全部繁忙、网络错误) 无限重试，只受 ctx 约束；
// 节点明确拒绝上传时立即失败。
// 节点接受任务之后，轮询阶段的任何网络错误立即失败，不再重试。
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ipkforge/pkg/model"
)

var (
	// ErrNoNodes 注册中心没有在线节点，本轮提交失败
	ErrNoNodes = errors.New("dispatcher: no compile nodes registered")

	// ErrAllBusy 所有候选节点都繁忙或不可达，本轮提交失败
	ErrAllBusy = errors.New("dispatcher: all compile nodes busy")

	// ErrTransport 网络错误或异常响应
	ErrTransport = errors.New("dispatcher: transport error")

	// ErrRejected 节点拒绝上传或没有可下载的产物
	ErrRejected = errors.New("dispatcher: rejected by node")

	// ErrBuildFailed 节点接受任务后报告 unknown，说明编译失败
	ErrBuildFailed = errors.New("dispatcher: remote build failed")
)

// Registry 在线节点来源
type Registry interface {
	List(ctx context.Context) ([]model.NodeAddress, error)
}

// Nodes 编译节点协议
type Nodes interface {
	Busy(ctx context.Context, addr model.NodeAddress) (bool, error)
	Upload(ctx context.Context, addr model.NodeAddress, name string, data []byte) (string, error)
	Status(ctx context.Context, addr model.NodeAddress, hash string) (model.JobStatus, error)
	Download(ctx context.Context, addr model.NodeAddress, hash, destDir, fallback string) (string, error)
}

type Config struct {
	PollInterval  time.Duration
	RetryInterval time.Duration

	// Parallelism 同时编译的模块数，默认 CPU 核数
	Parallelism int
}

// Module 一个待编译的模块
type Module struct {
	Source  string // 本地源文件
	DestDir string // 产物存放目录
}

// Dispatcher 单个模块的完整生命周期: 选择节点 → 上传 → 轮询 → 下载
type Dispatcher struct {
	registry Registry
	nodes    Nodes
	cfg      Config
	logger   *slog.Logger
}

func New(registry Registry, nodes Nodes, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.NumCPU()
	}
	return &Dispatcher{
		registry: registry,
		nodes:    nodes,
		cfg:      cfg,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Build 编译一个模块，返回下载到 destDir 中的产物路径
func (d *Dispatcher) Build(ctx context.Context, source, destDir string) (string, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", source, err)
	}
	name := filepath.Base(source)

	addr, hash, err := d.submit(ctx, name, data)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", name, err)
	}

	if err := d.await(ctx, addr, hash); err != nil {
		return "", fmt.Errorf("build %s on %s: %w", name, addr, err)
	}

	fallback := strings.TrimSuffix(name, filepath.Ext(name)) + ".so"
	path, err := d.nodes.Download(ctx, addr, hash, destDir, fallback)
	if err != nil {
		return "", fmt.Errorf("download %s from %s: %w", name, addr, err)
	}
	d.logger.Debug("module compiled", "name", name, "addr", addr, "hash", hash)
	return path, nil
}

// BuildAll 并发编译全部模块
// 第一个失败出现后，尚未开始的模块直接跳过，已经开始的模块继续完成
func (d *Dispatcher) BuildAll(ctx context.Context, modules []Module) ([]string, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Parallelism)

	results := make([]string, len(modules))
	var skipped atomic.Int64

	for i, m := range modules {
		g.Go(func() error {
			if gctx.Err() != nil {
				skipped.Add(1)
				return nil
			}
			// 已开始的编译不受兄弟任务失败的影响，只跟随调用方的 ctx
			path, err := d.Build(ctx, m.Source, m.DestDir)
			if err != nil {
				return err
			}
			results[i] = path
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		d.logger.Error("module fan-out failed", "modules", len(modules), "skipped", skipped.Load(), "error", err)
		return nil, err
	}
	return results, nil
}

// submit 无限重试直到某个节点接受上传，只受 ctx 约束；节点明确拒绝时立即返回
func (d *Dispatcher) submit(ctx context.Context, name string, data []byte) (model.NodeAddress, string, error) {
	for {
		addr, hash, err := d.submitOnce(ctx, name, data)
		if err == nil {
			return addr, hash, nil
		}
		if errors.Is(err, ErrRejected) {
			return "", "", err
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		d.logger.Info("selecting compile node", "name", name, "reason", err)

		select {
		case <-time.After(d.cfg.RetryInterval):
		case <-ctx.Done():
			return "", "", ctx.Err()
		}
	}
}

// submitOnce 一轮提交: 刷新节点列表，依次询问 busy，第一个空闲节点接受上传
func (d *Dispatcher) submitOnce(ctx context.Context, name string, data []byte) (model.NodeAddress, string, error) {
	nodes, err := d.registry.List(ctx)
	if err != nil {
		return "", "", err
	}
	if len(nodes) == 0 {
		return "", "", ErrNoNodes
	}

	for _, addr := range nodes {
		if !d.checkNode(ctx, addr) {
			continue
		}
		hash, err := d.nodes.Upload(ctx, addr, name, data)
		if errors.Is(err, ErrRejected) {
			return "", "", fmt.Errorf("%s: %w", addr, err)
		}
		if err != nil {
			// 只在本轮中跳过该节点，不修改注册中心
			d.logger.Warn("upload failed", "name", name, "addr", addr, "error", err)
			continue
		}
		return addr, hash, nil
	}
	return "", "", ErrAllBusy
}

// checkNode 繁忙或不可达的节点在本轮中被跳过
func (d *Dispatcher) checkNode(ctx context.Context, addr model.NodeAddress) bool {
	busy, err := d.nodes.Busy(ctx, addr)
	if err != nil {
		d.logger.Warn("node dropped from attempt", "addr", addr, "error", err)
		return false
	}
	return !busy
}

// await 轮询直到产物就绪，任何错误立即返回
func (d *Dispatcher) await(ctx context.Context, addr model.NodeAddress, hash string) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := d.nodes.Status(ctx, addr, hash)
		if err != nil {
			return err
		}
		switch status {
		case model.StatusDone:
			return nil
		case model.StatusUnknown:
			return ErrBuildFailed
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
