package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipkforge/internal/compiler"
	"ipkforge/internal/compiler/toolchain"
	"ipkforge/internal/compiler/toolchain/toolchaintest"
	"ipkforge/internal/logger"
	"ipkforge/pkg/model"
	"ipkforge/pkg/store"
)

// startCompileNode 起一个真实的编译节点 (使用假的工具链)
func startCompileNode(t *testing.T, runner *toolchaintest.FakeRunner, workerMax int) model.NodeAddress {
	t.Helper()

	dir := t.TempDir()
	artifacts, err := compiler.NewArtifactStore(filepath.Join(dir, "upload"), filepath.Join(dir, "build"))
	require.NoError(t, err)
	names, err := store.OpenFileIndex(filepath.Join(dir, "names.json"))
	require.NoError(t, err)

	tc := &toolchain.Toolchain{Root: "/opt/arm-gcc", Triple: "arm-linux-gnueabihf", Runner: runner}
	service := compiler.NewService(tc, artifacts, names, workerMax, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		service.Run(ctx)
		close(done)
	}()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	compiler.NewController(service).RegisterRoutes(router)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
	})
	return model.NodeAddress(strings.TrimPrefix(server.URL, "http://"))
}

func startRegistryStub(t *testing.T, addrs ...model.NodeAddress) string {
	t.Helper()

	list := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		list = append(list, addr.String())
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Join(list, ",")))
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func Test_Dispatcher_CompilesAgainstRealNodes(t *testing.T) {
	runner := &toolchaintest.FakeRunner{Delay: 10 * time.Millisecond}
	first := startCompileNode(t, runner, 2)
	second := startCompileNode(t, runner, 2)

	d := New(
		NewRegistryClient(startRegistryStub(t, first, second), time.Second),
		NewNodeClient(time.Second, 5*time.Second),
		Config{PollInterval: 10 * time.Millisecond, RetryInterval: 10 * time.Millisecond, Parallelism: 4},
		logger.Discard(),
	)

	dest := t.TempDir()
	var modules []Module
	for _, src := range writeSources(t, "alpha.py", "beta.py", "gamma.py", "delta.py", "epsilon.py") {
		modules = append(modules, Module{Source: src, DestDir: dest})
	}

	paths, err := d.BuildAll(context.Background(), modules)
	require.NoError(t, err)
	require.Len(t, paths, 5)

	assert.Equal(t, filepath.Join(dest, "alpha.so"), paths[0])
	data, err := os.ReadFile(paths[3])
	require.NoError(t, err)
	assert.Contains(t, string(data), "# delta.py")

	// 翻译 + 编译
	assert.Equal(t, 10, runner.Calls())
}

func Test_Dispatcher_SkipsUnreachableNode(t *testing.T) {
	runner := &toolchaintest.FakeRunner{}
	alive := startCompileNode(t, runner, 1)

	dead := httptest.NewServer(http.NotFoundHandler())
	deadAddr := model.NodeAddress(strings.TrimPrefix(dead.URL, "http://"))
	dead.Close()

	d := New(
		NewRegistryClient(startRegistryStub(t, deadAddr, alive), time.Second),
		NewNodeClient(200*time.Millisecond, 5*time.Second),
		Config{PollInterval: 10 * time.Millisecond, RetryInterval: 10 * time.Millisecond, Parallelism: 1},
		logger.Discard(),
	)

	src := writeSources(t, "only.py")
	path, err := d.Build(context.Background(), src[0], t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "only.so", filepath.Base(path))
}

func Test_Dispatcher_CompilesEmptyModule(t *testing.T) {
	node := startCompileNode(t, &toolchaintest.FakeRunner{}, 1)
	d := New(
		NewRegistryClient(startRegistryStub(t, node), time.Second),
		NewNodeClient(time.Second, 5*time.Second),
		Config{PollInterval: 10 * time.Millisecond, RetryInterval: 10 * time.Millisecond, Parallelism: 1},
		logger.Discard(),
	)

	src := filepath.Join(t.TempDir(), "empty.py")
	require.NoError(t, os.WriteFile(src, nil, 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	path, err := d.Build(ctx, src, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "empty.so", filepath.Base(path))
}

func Test_Dispatcher_RejectedUploadIsNotRetried(t *testing.T) {
	var uploads atomic.Int32
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/busy", func(c *gin.Context) { c.String(http.StatusOK, "False") })
	router.POST("/up", func(c *gin.Context) {
		uploads.Add(1)
		c.String(http.StatusBadRequest, "failed")
	})
	node := httptest.NewServer(router)
	defer node.Close()
	addr := model.NodeAddress(strings.TrimPrefix(node.URL, "http://"))

	d := New(
		NewRegistryClient(startRegistryStub(t, addr), time.Second),
		NewNodeClient(time.Second, 5*time.Second),
		Config{PollInterval: 10 * time.Millisecond, RetryInterval: 10 * time.Millisecond, Parallelism: 1},
		logger.Discard(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := d.Build(ctx, writeSources(t, "bad.py")[0], t.TempDir())
	assert.ErrorIs(t, err, ErrRejected)
	assert.NoError(t, ctx.Err())
	assert.Equal(t, int32(1), uploads.Load())
}
