package packager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipkforge/internal/logger"
	"ipkforge/pkg/model"
)

// fakePacker 每次调用在 dir 中生成一个安装包，release 关闭前阻塞
type fakePacker struct {
	dir     string
	release chan struct{}
	err     error
	calls   atomic.Int32
}

func (p *fakePacker) Assemble(ctx context.Context, v *Variant, params Params) (string, error) {
	p.calls.Add(1)
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if p.err != nil {
		return "", p.err
	}
	path := filepath.Join(p.dir, params[ParamSerial]+".ipk")
	if err := os.WriteFile(path, []byte(v.Name), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func runTasks(t *testing.T, m *TaskManager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func Test_RequestCode_IgnoresFieldOrder(t *testing.T) {
	a := RequestCode(Params{"type": "iCopy-X", "sn_str": "1"})
	b := RequestCode(Params{"sn_str": "1", "type": "iCopy-X"})
	c := RequestCode(Params{"sn_str": "2", "type": "iCopy-X"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func Test_TaskManager_DeduplicatesAndClaimsOnce(t *testing.T) {
	packer := &fakePacker{dir: t.TempDir(), release: make(chan struct{})}
	m := NewTaskManager(packer, 2, logger.Discard())
	runTasks(t, m)

	params := Params{ParamType: "iCopy-X", ParamSerial: "SN1"}
	code, err := m.Add(params)
	require.NoError(t, err)

	again, err := m.Add(Params{ParamSerial: "SN1", ParamType: "iCopy-X"})
	require.NoError(t, err)
	assert.Equal(t, code, again)

	done, ok := m.Done(code)
	assert.True(t, ok)
	assert.False(t, done)

	close(packer.release)
	path, err := m.Claim(context.Background(), code)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, int32(1), packer.calls.Load())

	// 下载中的任务不能被第二个调用方取走
	_, err = m.Claim(context.Background(), code)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	m.Release(code)
	again, err = m.Claim(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, path, again)

	m.Purge(code)
	assert.NoFileExists(t, path)
	_, ok = m.Status(code)
	assert.False(t, ok)
	_, err = m.Claim(context.Background(), code)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func Test_TaskManager_FailedTask(t *testing.T) {
	packer := &fakePacker{dir: t.TempDir(), err: errors.New("no nodes")}
	m := NewTaskManager(packer, 1, logger.Discard())
	runTasks(t, m)

	code, err := m.Add(Params{ParamType: "iCopy-XS", ParamSerial: "SN2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, _ := m.Status(code)
		return state == model.TaskFailed
	}, 2*time.Second, 10*time.Millisecond)

	done, ok := m.Done(code)
	assert.True(t, ok)
	assert.True(t, done)

	_, err = m.Claim(context.Background(), code)
	assert.ErrorIs(t, err, ErrTaskFailed)
	_, err = m.Claim(context.Background(), code)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func Test_TaskManager_UnknownType(t *testing.T) {
	m := NewTaskManager(&fakePacker{dir: t.TempDir()}, 1, logger.Discard())
	_, err := m.Add(Params{ParamType: "iCopy-Z"})
	assert.ErrorIs(t, err, ErrUnknownType)
	_, err = m.Add(Params{ParamSerial: "x"})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func Test_TaskManager_BoundsConcurrency(t *testing.T) {
	packer := &fakePacker{dir: t.TempDir(), release: make(chan struct{})}
	m := NewTaskManager(packer, 2, logger.Discard())
	runTasks(t, m)
	assert.Equal(t, 2, m.Max())

	var codes []string
	for _, sn := range []string{"A", "B", "C"} {
		code, err := m.Add(Params{ParamType: "iCopy-X", ParamSerial: sn})
		require.NoError(t, err)
		codes = append(codes, code)
	}

	require.Eventually(t, func() bool { return m.Count() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), packer.calls.Load())

	close(packer.release)
	for _, code := range codes {
		_, err := m.Claim(context.Background(), code)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), packer.calls.Load())
}

func Test_TaskManager_ClaimHonoursContext(t *testing.T) {
	packer := &fakePacker{dir: t.TempDir(), release: make(chan struct{})}
	m := NewTaskManager(packer, 1, logger.Discard())
	runTasks(t, m)
	defer close(packer.release)

	code, err := m.Add(Params{ParamType: "iCopy-X", ParamSerial: "SN3"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = m.Claim(ctx, code)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := m.Status(code)
	assert.True(t, ok)
}
