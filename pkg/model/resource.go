package model

// Capacity 并发槽位视图 (编译节点的编译槽、打包服务的任务槽)
type Capacity struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

// Busy 槽位全部占满
func (c Capacity) Busy() bool {
	return c.Active >= c.Max
}

// Free 剩余槽位
func (c Capacity) Free() int {
	if c.Active >= c.Max {
		return 0
	}
	return c.Max - c.Active
}
