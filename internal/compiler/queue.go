package compiler

import (
	"context"
	"sync"

	"ipkforge/pkg/model"
)

// JobQueue 待编译任务的 FIFO 队列
type JobQueue struct {
	mu     sync.Mutex
	items  []*model.BuildJob
	notify chan struct{}
}

func NewJobQueue() *JobQueue {
	return &JobQueue{notify: make(chan struct{}, 1)}
}

func (q *JobQueue) Push(job *model.BuildJob) {
	q.mu.Lock()
	q.items = append(q.items, job)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop 阻塞直到队列非空或 ctx 取消
func (q *JobQueue) Pop(ctx context.Context) (*model.BuildJob, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			job := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
