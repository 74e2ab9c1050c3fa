// Package registry 编译节点的发现与存活管理
//
// 节点只有在反向探测成功后才会加入成员列表，后台巡检循环会定期复测并剔除失联节点。
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ipkforge/pkg/model"
	"ipkforge/pkg/store"
)

// Registry 在线节点集合，所有访问都经过同一把锁
type Registry struct {
	prober Prober
	mirror store.NodeMirror // 可选

	sweepInterval time.Duration
	idleInterval  time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	members map[model.NodeAddress]int64 // 地址 → 最近一次探测成功的时间
}

type Option func(*Registry)

// WithMirror 把成员变化同步到外部存储
func WithMirror(mirror store.NodeMirror) Option {
	return func(r *Registry) { r.mirror = mirror }
}

// WithIntervals 巡检间隔和成员为空时的休眠间隔
func WithIntervals(sweep, idle time.Duration) Option {
	return func(r *Registry) {
		if sweep > 0 {
			r.sweepInterval = sweep
		}
		if idle > 0 {
			r.idleInterval = idle
		}
	}
}

func New(prober Prober, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		prober:        prober,
		sweepInterval: 5 * time.Second,
		idleInterval:  100 * time.Millisecond,
		logger:        logger.With("component", "registry"),
		members:       make(map[model.NodeAddress]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Online 探测成功则加入并返回 true，失败则移除 (如果存在) 并返回 false
func (r *Registry) Online(ctx context.Context, addr model.NodeAddress) bool {
	if r.prober.Probe(ctx, addr) {
		r.admit(ctx, addr)
		return true
	}
	r.evict(ctx, addr, "probe failed")
	return false
}

// Offline 无条件移除
func (r *Registry) Offline(ctx context.Context, addr model.NodeAddress) {
	r.evict(ctx, addr, "offline notice")
}

// List 当前成员，按地址排序
func (r *Registry) List() []model.NodeAddress {
	r.mu.Lock()
	defer r.mu.Unlock()

	addrs := make([]model.NodeAddress, 0, len(r.members))
	for addr := range r.members {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// Restore 注册中心重启后从镜像恢复成员，仍然要通过反向探测
func (r *Registry) Restore(ctx context.Context) int {
	if r.mirror == nil {
		return 0
	}
	nodes, err := r.mirror.ListNodes(ctx)
	if err != nil {
		r.logger.Warn("mirror list failed", "error", err)
		return 0
	}

	restored := 0
	for _, node := range nodes {
		if r.Online(ctx, node.Address) {
			restored++
			continue
		}
		// 不在成员中的节点 evict 不会清理镜像
		if err := r.mirror.RemoveNode(ctx, node.Address); err != nil {
			r.logger.Warn("mirror remove failed", "addr", node.Address, "error", err)
		}
	}
	r.logger.Info("membership restored", "mirrored", len(nodes), "online", restored)
	return restored
}

// Run 后台巡检，直到 ctx 取消
// 探测逐个顺序执行，成员为空时只做短暂休眠
func (r *Registry) Run(ctx context.Context) {
	r.Restore(ctx)
	r.logger.Info("sweep loop started", "interval", r.sweepInterval)

	for {
		wait := r.sweepInterval
		members := r.List()
		if len(members) == 0 {
			wait = r.idleInterval
		} else {
			r.sweep(ctx, members)
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			r.logger.Info("sweep loop stopped")
			return
		}
	}
}

func (r *Registry) sweep(ctx context.Context, members []model.NodeAddress) {
	for _, addr := range members {
		if ctx.Err() != nil {
			return
		}
		if r.prober.Probe(ctx, addr) {
			r.admit(ctx, addr)
			continue
		}
		r.evict(ctx, addr, "sweep probe failed")
	}
}

func (r *Registry) admit(ctx context.Context, addr model.NodeAddress) {
	now := time.Now().Unix()

	r.mu.Lock()
	_, known := r.members[addr]
	r.members[addr] = now
	r.mu.Unlock()

	if !known {
		r.logger.Info("node online", "addr", addr)
	}
	if r.mirror != nil {
		node := &model.Node{Address: addr, Status: model.NodeReady, LastProbe: now}
		if err := r.mirror.RegisterNode(ctx, node); err != nil {
			r.logger.Warn("mirror register failed", "addr", addr, "error", err)
		}
	}
}

func (r *Registry) evict(ctx context.Context, addr model.NodeAddress, reason string) {
	r.mu.Lock()
	_, known := r.members[addr]
	delete(r.members, addr)
	r.mu.Unlock()

	if !known {
		return
	}
	r.logger.Info("node removed", "addr", addr, "reason", reason)
	if r.mirror != nil {
		if err := r.mirror.RemoveNode(ctx, addr); err != nil {
			r.logger.Warn("mirror remove failed", "addr", addr, "error", err)
		}
	}
}
