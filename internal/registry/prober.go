package registry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"ipkforge/pkg/model"
)

// Prober 反向探测节点是否存活
type Prober interface {
	Probe(ctx context.Context, addr model.NodeAddress) bool
}

// HTTPProber 请求节点自己的 online 接口，只有返回 "yes" 才算存活
// 超时、连接失败、响应异常一律视为下线，不向上返回错误
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, addr model.NodeAddress) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr.String()+"/online", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(body)) == "yes"
}
