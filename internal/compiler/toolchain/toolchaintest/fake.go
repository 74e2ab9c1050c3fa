// Package toolchaintest 提供测试用的 toolchain.Runner 实现
package toolchaintest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// FakeRunner 测试用 Runner: 把 "-o" 后面的文件写成输入内容加上前缀
type FakeRunner struct {
	Delay time.Duration

	// FailOn 命令中包含该文件名时返回错误
	FailOn string
	// EmptyOutput 产物写成空文件
	EmptyOutput bool
	// Missing Verify 返回错误
	Missing bool

	calls     atomic.Int64
	running   atomic.Int64
	mu        sync.Mutex
	maxActive int64
}

func (f *FakeRunner) Run(ctx context.Context, workDir string, argv []string) (string, error) {
	f.calls.Add(1)
	active := f.running.Add(1)
	defer f.running.Add(-1)

	f.mu.Lock()
	if active > f.maxActive {
		f.maxActive = active
	}
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	var in, out string
	for i, arg := range argv {
		if arg == "-o" && i+1 < len(argv) {
			out = argv[i+1]
			if i+2 < len(argv) {
				in = argv[i+2]
			} else if i > 0 {
				in = argv[i-1]
			}
		}
	}
	if out == "" {
		return "", errors.New("fake: no -o argument")
	}
	if f.FailOn != "" && (filepath.Base(in) == f.FailOn || filepath.Base(out) == f.FailOn) {
		return "boom", fmt.Errorf("fake: %s failed", f.FailOn)
	}

	if f.EmptyOutput {
		return "", os.WriteFile(filepath.Join(workDir, out), nil, 0o644)
	}
	data, err := os.ReadFile(filepath.Join(workDir, in))
	if err != nil {
		return "", err
	}
	return "", os.WriteFile(filepath.Join(workDir, out), append([]byte(argv[0]+":"), data...), 0o644)
}

func (f *FakeRunner) Verify(context.Context, string) error {
	if f.Missing {
		return os.ErrNotExist
	}
	return nil
}

// Calls 执行过的命令数量
func (f *FakeRunner) Calls() int {
	return int(f.calls.Load())
}

// MaxActive 同时执行的最大命令数量
func (f *FakeRunner) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int(f.maxActive)
}
