package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipkforge/internal/compiler"
	"ipkforge/internal/compiler/toolchain"
	"ipkforge/internal/compiler/toolchain/toolchaintest"
	"ipkforge/internal/logger"
	"ipkforge/internal/server"
	"ipkforge/pkg/store"
)

// reverseProbeRegistry 收到 online 后立即回访节点，记录每次探测的回答
type reverseProbeRegistry struct {
	mu      sync.Mutex
	answers []string
}

func (r *reverseProbeRegistry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/online" {
		w.Write([]byte("yes"))
		return
	}
	answer := "unreachable"
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get("http://127.0.0.1:" + req.URL.Query().Get("port") + "/online")
	if err == nil {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		answer = string(body)
	}
	r.mu.Lock()
	r.answers = append(r.answers, answer)
	r.mu.Unlock()
	w.Write([]byte(answer))
}

func (r *reverseProbeRegistry) first() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.answers) == 0 {
		return "", false
	}
	return r.answers[0], true
}

func Test_ServeNode_FirstHeartbeatPassesReverseProbe(t *testing.T) {
	log := logger.Discard()
	dir := t.TempDir()
	artifacts, err := compiler.NewArtifactStore(filepath.Join(dir, "upload"), filepath.Join(dir, "build"))
	require.NoError(t, err)
	names, err := store.OpenFileIndex(filepath.Join(dir, "names.json"))
	require.NoError(t, err)
	tc := &toolchain.Toolchain{Root: "/opt/arm-gcc", Triple: "arm-linux-gnueabihf", Runner: &toolchaintest.FakeRunner{}}
	service := compiler.NewService(tc, artifacts, names, 1, log)

	registry := &reverseProbeRegistry{}
	registryServer := httptest.NewServer(registry)
	defer registryServer.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	agent := compiler.NewAgent(service, registryServer.URL, port, time.Minute, log)

	router := server.NewRouter(log)
	compiler.NewController(service).RegisterRoutes(router)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveNode(ctx, ln, router, agent, log)
	}()

	var answer string
	require.Eventually(t, func() bool {
		var ok bool
		answer, ok = registry.first()
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "yes", answer, "first probe on port "+strconv.Itoa(port))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "node did not stop")
	}
}
