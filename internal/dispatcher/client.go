package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ipkforge/pkg/model"
)

// RegistryClient 查询注册中心的在线节点
type RegistryClient struct {
	baseURL string
	client  *http.Client
}

func NewRegistryClient(baseURL string, timeout time.Duration) *RegistryClient {
	return &RegistryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// List 解析 getlist 返回的逗号分隔地址
func (c *RegistryClient) List(ctx context.Context) ([]model.NodeAddress, error) {
	body, err := getText(ctx, c.client, c.baseURL+"/getlist")
	if err != nil {
		return nil, err
	}

	var addrs []model.NodeAddress
	for _, item := range strings.Split(body, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			addrs = append(addrs, model.NodeAddress(item))
		}
	}
	return addrs, nil
}

// NodeClient 编译节点协议客户端
// probe 用于 busy 之类的轻量查询，request 用于上传、轮询和下载
type NodeClient struct {
	probe   *http.Client
	request *http.Client
}

func NewNodeClient(probeTimeout, requestTimeout time.Duration) *NodeClient {
	return &NodeClient{
		probe:   &http.Client{Timeout: probeTimeout},
		request: &http.Client{Timeout: requestTimeout},
	}
}

func nodeURL(addr model.NodeAddress, endpoint string, query url.Values) string {
	u := "http://" + addr.String() + "/" + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *NodeClient) Busy(ctx context.Context, addr model.NodeAddress) (bool, error) {
	body, err := getText(ctx, c.probe, nodeURL(addr, "busy", nil))
	if err != nil {
		return false, err
	}
	switch body {
	case "True", "yes":
		return true, nil
	case "False", "no":
		return false, nil
	}
	return false, fmt.Errorf("%w: unexpected busy answer %q", ErrTransport, body)
}

// Upload 返回节点计算的内容哈希，节点回答 failed 时返回 ErrRejected
func (c *NodeClient) Upload(ctx context.Context, addr model.NodeAddress, name string, data []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, nodeURL(addr, "up", nil), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	answer, err := doText(c.request, req)
	if err != nil {
		return "", err
	}
	if answer == "" || answer == "failed" {
		return "", ErrRejected
	}
	return answer, nil
}

func (c *NodeClient) Status(ctx context.Context, addr model.NodeAddress, hash string) (model.JobStatus, error) {
	body, err := getText(ctx, c.request, nodeURL(addr, "ok", url.Values{"code": {hash}}))
	if err != nil {
		return model.StatusUnknown, err
	}
	switch body {
	case "True":
		return model.StatusDone, nil
	case "False":
		return model.StatusPending, nil
	case "unknown":
		return model.StatusUnknown, nil
	}
	return model.StatusUnknown, fmt.Errorf("%w: unexpected ok answer %q", ErrTransport, body)
}

// Download 把产物写入 destDir，文件名取自 Content-Disposition，没有时使用 fallback
func (c *NodeClient) Download(ctx context.Context, addr model.NodeAddress, hash, destDir, fallback string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, nodeURL(addr, "down", url.Values{"code": {hash}}), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.request.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: down status %d", ErrTransport, resp.StatusCode)
	}

	name := fallback
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = filepath.Base(params["filename"])
	} else if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/") {
		// 节点用纯文本 failed 表示没有产物
		return "", ErrRejected
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(destDir, ".download-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	dst := filepath.Join(destDir, name)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return dst, nil
}

func getText(ctx context.Context, client *http.Client, u string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	return doText(client, req)
}

// doText 4xx 包装为 ErrRejected，其余网络错误和非 200 响应包装为 ErrTransport
func doText(client *http.Client, req *http.Request) (string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	// 4xx 是请求本身的问题，换节点重试也不会成功
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return "", fmt.Errorf("%w: %s status %d", ErrRejected, req.URL.Path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s status %d", ErrTransport, req.URL.Path, resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}
