package toolchain

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// containerWorkDir 工作目录在容器内的挂载点
const containerWorkDir = "/work"

// DockerRunner 在工具链镜像里执行命令，工作目录以 bind mount 的方式挂进去
type DockerRunner struct {
	cli    *client.Client
	image  string
	logger *slog.Logger
}

// NewDockerRunner 初始化 Docker 客户端
func NewDockerRunner(image string, logger *slog.Logger) (*DockerRunner, error) {
	// 自动从环境变量或默认路径连接本地 Docker
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion("1.44"))
	if err != nil {
		return nil, err
	}
	return &DockerRunner{cli: cli, image: image, logger: logger.With("component", "docker")}, nil
}

// Run 创建容器 → 启动 → 等待结束 → 收集日志 → 删除容器
func (r *DockerRunner) Run(ctx context.Context, workDir string, argv []string) (string, error) {
	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      r.image,
		Cmd:        argv,
		WorkingDir: containerWorkDir,
		Tty:        false,
	}, &container.HostConfig{
		Binds: []string{workDir + ":" + containerWorkDir},
	}, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	containerID := resp.ID
	// 无论成功失败都要清理容器
	defer func() {
		rmCtx := context.WithoutCancel(ctx)
		if err := r.cli.ContainerRemove(rmCtx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			r.logger.Warn("Failed to remove container", "container", containerID[:12], "error", err)
		}
	}()
	r.logger.Debug("Container created", "container", containerID[:12], "cmd", argv[0])

	if err := r.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	var exitCode int64
	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("wait container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	outReader, err := r.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer outReader.Close()

	// stdcopy 会把 docker 的多路复用流拆分，写入 buf
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, outReader); err != nil {
		return "", fmt.Errorf("read container logs: %w", err)
	}

	if exitCode != 0 {
		return buf.String(), fmt.Errorf("%s exited with status %d", argv[0], exitCode)
	}
	return buf.String(), nil
}

// Verify 镜像存在并且镜像内的工具可执行
func (r *DockerRunner) Verify(ctx context.Context, tool string) error {
	if _, _, err := r.cli.ImageInspectWithRaw(ctx, r.image); err != nil {
		return fmt.Errorf("inspect image %s: %w", r.image, err)
	}

	dir, err := os.MkdirTemp("", "toolchain-verify-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	if _, err := r.Run(ctx, dir, []string{"test", "-x", tool}); err != nil {
		return err
	}
	return nil
}
