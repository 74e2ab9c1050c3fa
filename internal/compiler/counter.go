package compiler

import (
	"context"

	"ipkforge/pkg/model"
)

// ActiveCounter 正在执行的编译数量，上限为 WorkerMax
// 用带缓冲的通道做信号量: 长度即计数，容量即上限
type ActiveCounter struct {
	slots chan struct{}
}

func NewActiveCounter(max int) *ActiveCounter {
	if max <= 0 {
		max = 1
	}
	return &ActiveCounter{slots: make(chan struct{}, max)}
}

// Acquire 阻塞直到有空闲槽位，然后计数加一
func (c *ActiveCounter) Acquire(ctx context.Context) error {
	select {
	case c.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release 计数减一，每个任务只能调用一次
func (c *ActiveCounter) Release() {
	<-c.slots
}

func (c *ActiveCounter) Active() int {
	return len(c.slots)
}

func (c *ActiveCounter) Max() int {
	return cap(c.slots)
}

// Busy 当且仅当 Active == Max
func (c *ActiveCounter) Busy() bool {
	return c.Capacity().Busy()
}

func (c *ActiveCounter) Capacity() model.Capacity {
	return model.Capacity{Active: c.Active(), Max: c.Max()}
}
