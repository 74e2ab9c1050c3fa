package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ipkforge/pkg/model"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// 定义 Key 的前缀 (Schema Design)
const (
	NameKeyPrefix = "/ipkforge/names/"
	NodeKeyPrefix = "/ipkforge/nodes/"
)

// nodeLeaseTTL 节点记录的租约时长，注册中心停止续约后自动过期
const nodeLeaseTTL = 30

type EtcdManager struct {
	client *clientv3.Client
	kv     clientv3.KV
	lease  clientv3.Lease
	logger *slog.Logger

	mu sync.Mutex
	// 每个节点一份租约，重复注册只续约
	leases map[model.NodeAddress]clientv3.LeaseID
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, logger *slog.Logger) (*EtcdManager, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd %v: %w", endpoints, err)
	}
	e := newEtcdManager(cli, cli, logger)
	e.client = cli
	return e, nil
}

func newEtcdManager(kv clientv3.KV, lease clientv3.Lease, logger *slog.Logger) *EtcdManager {
	return &EtcdManager{
		kv:     kv,
		lease:  lease,
		logger: logger.With("component", "etcd"),
		leases: make(map[model.NodeAddress]clientv3.LeaseID),
	}
}

func (e *EtcdManager) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

// ---------------------------------------------------------
// NameIndex 实现
// ---------------------------------------------------------

type nameRecord struct {
	Hash string `json:"hash"`
	Name string `json:"name"`
}

func (e *EtcdManager) GetName(ctx context.Context, hash string) (string, error) {
	resp, err := e.kv.Get(ctx, NameKeyPrefix+hash)
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", ErrNotFound
	}

	var rec nameRecord
	if err := json.Unmarshal(resp.Kvs[0].Value, &rec); err != nil {
		return "", fmt.Errorf("decode name record %s: %w", hash, err)
	}
	return rec.Name, nil
}

func (e *EtcdManager) PutName(ctx context.Context, hash, name string) error {
	return e.putValue(ctx, NameKeyPrefix+hash, nameRecord{Hash: hash, Name: name})
}

func (e *EtcdManager) DeleteName(ctx context.Context, hash string) error {
	_, err := e.kv.Delete(ctx, NameKeyPrefix+hash)
	return err
}

// ---------------------------------------------------------
// NodeMirror 实现
// ---------------------------------------------------------

// RegisterNode 写入节点记录，注册中心停止续约后记录随租约过期
func (e *EtcdManager) RegisterNode(ctx context.Context, node *model.Node) error {
	lease, err := e.nodeLease(ctx, node.Address)
	if err != nil {
		return err
	}

	bytes, err := json.Marshal(node)
	if err != nil {
		return err
	}
	_, err = e.kv.Put(ctx, NodeKeyPrefix+node.Address.String(), string(bytes), clientv3.WithLease(lease))
	return err
}

// nodeLease 已有租约时续约一次，续约失败 (例如已过期) 再申请新的
func (e *EtcdManager) nodeLease(ctx context.Context, addr model.NodeAddress) (clientv3.LeaseID, error) {
	e.mu.Lock()
	id, ok := e.leases[addr]
	e.mu.Unlock()

	if ok {
		_, err := e.lease.KeepAliveOnce(ctx, id)
		if err == nil {
			return id, nil
		}
		e.logger.Debug("lease keepalive failed, granting new one", "addr", addr, "error", err)
	}

	lease, err := e.lease.Grant(ctx, nodeLeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("grant lease: %w", err)
	}
	e.mu.Lock()
	e.leases[addr] = lease.ID
	e.mu.Unlock()
	return lease.ID, nil
}

// RemoveNode 撤销租约，同时删除绑定的记录
func (e *EtcdManager) RemoveNode(ctx context.Context, addr model.NodeAddress) error {
	e.mu.Lock()
	id, ok := e.leases[addr]
	delete(e.leases, addr)
	e.mu.Unlock()

	if ok {
		if _, err := e.lease.Revoke(ctx, id); err != nil {
			e.logger.Warn("revoke lease failed", "addr", addr, "error", err)
		}
	}
	_, err := e.kv.Delete(ctx, NodeKeyPrefix+addr.String())
	return err
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.Node, error) {
	resp, err := e.kv.Get(ctx, NodeKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			e.logger.Warn("Failed to unmarshal node", "key", string(kv.Key), "error", err)
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val any) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.kv.Put(ctx, key, string(bytes))
	return err
}
