package packager

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"ipkforge/pkg/model"
)

var (
	ErrTaskNotFound = errors.New("packager: task not found")
	ErrTaskFailed   = errors.New("packager: package build failed")
	ErrQueueFull    = errors.New("packager: task queue is full")
)

// queueSize 等待执行的任务上限
const queueSize = 1024

// Packer 生成安装包，由 Assembler 实现
type Packer interface {
	Assemble(ctx context.Context, variant *Variant, params Params) (string, error)
}

type task struct {
	model.PackageTask
	variant *Variant
	done    chan struct{}
	claimed bool // 正在被下载
}

// TaskManager 打包任务: 按参数去重、限制并发、下载一次后清除
type TaskManager struct {
	packer Packer
	slots  chan struct{}
	queue  chan *task
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task
}

func NewTaskManager(packer Packer, max int, logger *slog.Logger) *TaskManager {
	if max < 1 {
		max = 1
	}
	return &TaskManager{
		packer: packer,
		slots:  make(chan struct{}, max),
		queue:  make(chan *task, queueSize),
		logger: logger.With("component", "tasks"),
		tasks:  make(map[string]*task),
	}
}

// RequestCode 参数按键排序后逐行 k=v 计算哈希，相同参数得到相同的 code
func RequestCode(params Params) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := blake3.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, params[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Add 提交一个打包任务，返回任务 code
// 相同参数的任务还没被下载时，直接返回已有的 code
func (m *TaskManager) Add(params Params) (string, error) {
	variant, err := LookupVariant(params[ParamType])
	if err != nil {
		return "", err
	}
	code := RequestCode(params)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[code]; ok {
		m.logger.Debug("task deduplicated", "code", code)
		return code, nil
	}

	t := &task{
		PackageTask: model.PackageTask{
			Code:      code,
			Type:      variant.Name,
			Params:    params,
			State:     model.TaskPending,
			CreatedAt: time.Now(),
		},
		variant: variant,
		done:    make(chan struct{}),
	}
	select {
	case m.queue <- t:
	default:
		return "", ErrQueueFull
	}
	m.tasks[code] = t
	m.logger.Info("task added", "code", code, "type", variant.Name, "sn", params[ParamSerial])
	return code, nil
}

// Run 消费任务队列直到 ctx 结束，返回前等待正在执行的任务
func (m *TaskManager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		var t *task
		select {
		case <-ctx.Done():
			return nil
		case t = <-m.queue:
		}

		select {
		case <-ctx.Done():
			return nil
		case m.slots <- struct{}{}:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-m.slots }()
			m.execute(ctx, t)
		}()
	}
}

func (m *TaskManager) execute(ctx context.Context, t *task) {
	m.mu.Lock()
	t.State = model.TaskRunning
	m.mu.Unlock()

	logger := m.logger.With("code", t.Code, "type", t.Type)
	logger.Info("task started")

	path, err := m.packer.Assemble(ctx, t.variant, Params(t.Params))

	m.mu.Lock()
	t.FinishedAt = time.Now()
	if err != nil {
		t.State = model.TaskFailed
		t.Error = err.Error()
	} else {
		t.State = model.TaskSuccess
		t.ArtifactPath = path
	}
	m.mu.Unlock()
	close(t.done)

	if err != nil {
		logger.Error("task failed", "error", err)
		return
	}
	logger.Info("task finished", "path", path, "duration", t.FinishedAt.Sub(t.CreatedAt).Round(time.Millisecond))
}

// Status 任务状态，任务不存在时第二个返回值为 false
func (m *TaskManager) Status(code string) (model.TaskState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[code]
	if !ok {
		return 0, false
	}
	return t.State, true
}

// Done 任务已结束 (成功或失败)
func (m *TaskManager) Done(code string) (bool, bool) {
	state, ok := m.Status(code)
	return state == model.TaskSuccess || state == model.TaskFailed, ok
}

// Claim 等待任务结束并占用结果，同一时间只有一个调用方能拿到安装包
// 成功取到后调用方必须调用 Purge 或 Release，失败的任务直接移除
func (m *TaskManager) Claim(ctx context.Context, code string) (string, error) {
	m.mu.Lock()
	t, ok := m.tasks[code]
	m.mu.Unlock()
	if !ok {
		return "", ErrTaskNotFound
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.done:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tasks[code] != t || t.claimed {
		return "", ErrTaskNotFound
	}
	if t.State != model.TaskSuccess {
		delete(m.tasks, code)
		return "", fmt.Errorf("%w: %s", ErrTaskFailed, t.Error)
	}
	t.claimed = true
	return t.ArtifactPath, nil
}

// Release 下载中断，安装包留给下一次下载
func (m *TaskManager) Release(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[code]; ok {
		t.claimed = false
	}
}

// Purge 下载完成，移除任务并删除安装包
func (m *TaskManager) Purge(code string) {
	m.mu.Lock()
	t, ok := m.tasks[code]
	delete(m.tasks, code)
	m.mu.Unlock()
	if !ok || t.ArtifactPath == "" {
		return
	}
	if err := os.Remove(t.ArtifactPath); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("remove package failed", "code", code, "path", t.ArtifactPath, "error", err)
	}
}

// Max 同时执行的任务上限
func (m *TaskManager) Max() int {
	return cap(m.slots)
}

// Count 正在执行的任务数
func (m *TaskManager) Count() int {
	return len(m.slots)
}
