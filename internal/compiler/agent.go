package compiler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ipkforge/pkg/retry"
)

// Agent 编译节点常驻进程: 心跳注册 + 编译循环
type Agent struct {
	service     *Service
	registryURL string
	port        int
	interval    time.Duration
	client      *http.Client
	logger      *slog.Logger

	// offline 通知的重试策略
	notify retry.Policy
}

func NewAgent(service *Service, registryURL string, port int, interval time.Duration, logger *slog.Logger) *Agent {
	if interval <= 0 {
		interval = time.Second
	}
	return &Agent{
		service:     service,
		registryURL: strings.TrimRight(registryURL, "/"),
		port:        port,
		interval:    interval,
		// 注册中心会在 online 请求里反向探测本节点，超时要比探测超时长
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "agent"),
		notify: retry.Policy{MaxAttempts: 3, Backoff: 200 * time.Millisecond},
	}
}

// Run 阻塞直到 ctx 取消，退出前通知注册中心下线
func (a *Agent) Run(ctx context.Context) {
	// 1. 启动心跳
	if a.registryURL != "" {
		go a.startHeartbeat(ctx)
	}

	// 2. 定期打印负载
	go a.reportLoop(ctx)

	// 3. 编译循环
	a.service.Run(ctx)

	if a.registryURL != "" {
		a.deregister()
	}
}

func (a *Agent) startHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.register(ctx)
	for {
		select {
		case <-ticker.C:
			a.register(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			capacity := a.service.Capacity()
			a.logger.Info("node load",
				"active", capacity.Active,
				"max", capacity.Max,
				"free", capacity.Free(),
				"queued", a.service.Queued(),
			)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Agent) register(ctx context.Context) {
	answer, err := a.call(ctx, "online")
	if err != nil {
		a.logger.Warn("heartbeat failed", "registry", a.registryURL, "error", err)
		return
	}
	if answer != "yes" {
		a.logger.Warn("registry rejected node", "registry", a.registryURL, "answer", answer)
	}
}

func (a *Agent) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := a.notify.Do(ctx, func(ctx context.Context) error {
		_, err := a.call(ctx, "offline")
		return err
	})
	if err != nil {
		a.logger.Warn("offline notice failed", "registry", a.registryURL, "error", err)
		return
	}
	a.logger.Info("node deregistered", "registry", a.registryURL)
}

func (a *Agent) call(ctx context.Context, endpoint string) (string, error) {
	query := url.Values{"port": {strconv.Itoa(a.port)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.registryURL+"/"+endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d", endpoint, resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}
