package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipkforge/internal/logger"
	"ipkforge/pkg/model"
)

type fakeNode struct {
	busy      bool
	busyErrs  int // 前 N 次 busy 查询返回网络错误
	result    model.JobStatus
	statusErr error
	uploadErr error
}

// fakeCluster 同时扮演注册中心和节点
type fakeCluster struct {
	mu        sync.Mutex
	order     []model.NodeAddress
	nodes     map[model.NodeAddress]*fakeNode
	uploads   map[model.NodeAddress][]string
	listCalls int
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		nodes:   make(map[model.NodeAddress]*fakeNode),
		uploads: make(map[model.NodeAddress][]string),
	}
}

func (c *fakeCluster) add(addr model.NodeAddress, node *fakeNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, addr)
	c.nodes[addr] = node
}

func (c *fakeCluster) List(context.Context) ([]model.NodeAddress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	return append([]model.NodeAddress(nil), c.order...), nil
}

func (c *fakeCluster) Busy(_ context.Context, addr model.NodeAddress) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node := c.nodes[addr]
	if node.busyErrs > 0 {
		node.busyErrs--
		return false, fmt.Errorf("%w: connection refused", ErrTransport)
	}
	return node.busy, nil
}

func (c *fakeCluster) Upload(_ context.Context, addr model.NodeAddress, name string, _ []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uploads[addr] = append(c.uploads[addr], name)
	if err := c.nodes[addr].uploadErr; err != nil {
		return "", err
	}
	return name, nil
}

func (c *fakeCluster) Status(_ context.Context, addr model.NodeAddress, _ string) (model.JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	node := c.nodes[addr]
	if node.statusErr != nil {
		return model.StatusUnknown, node.statusErr
	}
	return node.result, nil
}

func (c *fakeCluster) Download(_ context.Context, addr model.NodeAddress, hash, destDir, fallback string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(destDir, fallback)
	return dst, os.WriteFile(dst, []byte(addr.String()+":"+hash), 0o644)
}

func (c *fakeCluster) uploadCount(addr model.NodeAddress) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.uploads[addr])
}

func newTestDispatcher(cluster *fakeCluster, parallelism int) *Dispatcher {
	return New(cluster, cluster, Config{
		PollInterval:  5 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
		Parallelism:   parallelism,
	}, logger.Discard())
}

func writeSources(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("# "+name+"\n"), 0o644))
		paths = append(paths, path)
	}
	return paths
}

func Test_SubmitOnce_EmptyRegistryFailsAttempt(t *testing.T) {
	d := newTestDispatcher(newFakeCluster(), 1)

	_, _, err := d.submitOnce(context.Background(), "a.py", []byte("A = 1"))
	assert.ErrorIs(t, err, ErrNoNodes)
}

func Test_SubmitOnce_AllBusyFailsAttempt(t *testing.T) {
	cluster := newFakeCluster()
	cluster.add("a:5858", &fakeNode{busy: true})
	d := newTestDispatcher(cluster, 1)

	_, _, err := d.submitOnce(context.Background(), "a.py", []byte("A = 1"))
	assert.ErrorIs(t, err, ErrAllBusy)
}

func Test_Submit_EmptyRegistryRetriesUntilCancelled(t *testing.T) {
	cluster := newFakeCluster()
	d := newTestDispatcher(cluster, 1)
	src := writeSources(t, "a.py")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Build(ctx, src[0], t.TempDir())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, cluster.listCalls, 1)
}

func Test_BuildAll_RoutesEverythingToFreeNode(t *testing.T) {
	cluster := newFakeCluster()
	cluster.add("a:5858", &fakeNode{busy: true})
	cluster.add("b:5858", &fakeNode{result: model.StatusDone})
	d := newTestDispatcher(cluster, 4)

	dest := t.TempDir()
	sources := writeSources(t, "one.py", "two.py", "three.py")
	modules := make([]Module, 0, len(sources))
	for _, src := range sources {
		modules = append(modules, Module{Source: src, DestDir: dest})
	}

	paths, err := d.BuildAll(context.Background(), modules)
	require.NoError(t, err)
	require.Len(t, paths, 3)

	assert.Equal(t, 0, cluster.uploadCount("a:5858"))
	assert.Equal(t, 3, cluster.uploadCount("b:5858"))
	assert.Equal(t, filepath.Join(dest, "two.so"), paths[1])
	assert.FileExists(t, paths[2])
}

func Test_Build_NodeErrorsAreRetriedAgainstRefreshedList(t *testing.T) {
	cluster := newFakeCluster()
	cluster.add("b:5858", &fakeNode{busyErrs: 2, result: model.StatusDone})
	d := newTestDispatcher(cluster, 1)
	src := writeSources(t, "retry.py")

	path, err := d.Build(context.Background(), src[0], t.TempDir())
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 3, cluster.listCalls)
	assert.Equal(t, 1, cluster.uploadCount("b:5858"))
}

func Test_Build_PollTransportErrorIsFatal(t *testing.T) {
	cluster := newFakeCluster()
	cluster.add("b:5858", &fakeNode{statusErr: fmt.Errorf("%w: timeout", ErrTransport)})
	d := newTestDispatcher(cluster, 1)
	src := writeSources(t, "poll.py")

	_, err := d.Build(context.Background(), src[0], t.TempDir())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 1, cluster.uploadCount("b:5858"))
	assert.Equal(t, 1, cluster.listCalls)
}

func Test_Build_UnknownAfterAcceptanceIsBuildFailure(t *testing.T) {
	cluster := newFakeCluster()
	cluster.add("b:5858", &fakeNode{result: model.StatusUnknown})
	d := newTestDispatcher(cluster, 1)
	src := writeSources(t, "broken.py")

	_, err := d.Build(context.Background(), src[0], t.TempDir())
	assert.ErrorIs(t, err, ErrBuildFailed)
}

func Test_BuildAll_FirstFailureSkipsUnstartedModules(t *testing.T) {
	cluster := newFakeCluster()
	cluster.add("b:5858", &fakeNode{result: model.StatusUnknown})
	d := newTestDispatcher(cluster, 1)

	dest := t.TempDir()
	var modules []Module
	for _, src := range writeSources(t, "m1.py", "m2.py", "m3.py", "m4.py") {
		modules = append(modules, Module{Source: src, DestDir: dest})
	}

	paths, err := d.BuildAll(context.Background(), modules)
	assert.ErrorIs(t, err, ErrBuildFailed)
	assert.Nil(t, paths)
	assert.Equal(t, 1, cluster.uploadCount("b:5858"))
}

func Test_Submit_RejectedUploadStopsImmediately(t *testing.T) {
	cluster := newFakeCluster()
	cluster.add("a:5858", &fakeNode{uploadErr: ErrRejected})
	cluster.add("b:5858", &fakeNode{result: model.StatusDone})
	d := newTestDispatcher(cluster, 1)
	src := writeSources(t, "rejected.py")

	_, err := d.Build(context.Background(), src[0], t.TempDir())
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, cluster.listCalls)
	assert.Equal(t, 0, cluster.uploadCount("b:5858"))
}
