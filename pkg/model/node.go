package model

// NodeStatus 节点健康状态
type NodeStatus string

const (
	NodeReady NodeStatus = "READY"
)

// NodeAddress 编译节点的网络标识 host:port
type NodeAddress string

func (a NodeAddress) String() string {
	return string(a)
}

// Node 注册中心镜像到外部存储的节点记录
type Node struct {
	Address   NodeAddress `json:"address"`
	Status    NodeStatus  `json:"status"`
	LastProbe int64       `json:"last_probe"` // 最近一次探测成功的 Unix 时间戳
}
