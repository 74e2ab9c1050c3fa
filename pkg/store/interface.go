package store

import (
	"context"
	"errors"

	"ipkforge/pkg/model"
)

// ErrNotFound 键不存在
var ErrNotFound = errors.New("store: not found")

// NameIndex 持久化 contentHash → originalName 的映射
// 节点重启后依然能够根据哈希还原下载文件名
type NameIndex interface {
	GetName(ctx context.Context, hash string) (string, error)
	PutName(ctx context.Context, hash, name string) error
	DeleteName(ctx context.Context, hash string) error
}

// NodeMirror 注册中心成员变化的外部镜像 (供其他观察者读取)
type NodeMirror interface {
	// RegisterNode 节点通过反向探测后写入
	RegisterNode(ctx context.Context, node *model.Node) error

	// RemoveNode 节点被剔除或主动下线
	RemoveNode(ctx context.Context, addr model.NodeAddress) error

	// ListNodes 当前镜像中的全部节点
	ListNodes(ctx context.Context) ([]*model.Node, error)
}
