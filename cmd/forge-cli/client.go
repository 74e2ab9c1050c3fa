package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

var hexCode = regexp.MustCompile(`^[A-Fa-f0-9]+$`)

// unknownRetries 任务刚提交时 ok 可能还查不到
const unknownRetries = 5

// packagerClient 打包服务的客户端
type packagerClient struct {
	baseURL      string
	http         *http.Client
	pollInterval time.Duration
}

func newPackagerClient(baseURL string, timeout time.Duration) *packagerClient {
	return &packagerClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: timeout},
		pollInterval: time.Second,
	}
}

// Add 提交打包参数，返回任务 code
func (c *packagerClient) Add(ctx context.Context, params map[string]string) (string, error) {
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/add", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := c.text(req)
	if err != nil {
		return "", err
	}
	code := strings.TrimSpace(body)
	if !hexCode.MatchString(code) {
		return "", fmt.Errorf("add rejected: %s", code)
	}
	return code, nil
}

// Wait 轮询直到任务结束
func (c *packagerClient) Wait(ctx context.Context, code string) error {
	unknown := unknownRetries
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ok?code="+url.QueryEscape(code), nil)
		if err != nil {
			return err
		}
		res, err := c.text(req)
		if err != nil {
			return err
		}

		switch res {
		case "True":
			return nil
		case "False":
		case "unknown":
			if unknown == 0 {
				return errors.New("task was never created")
			}
			unknown--
		default:
			return fmt.Errorf("unexpected ok answer: %s", res)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// Download 下载安装包到 dir，返回本地路径
func (c *packagerClient) Download(ctx context.Context, code, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/download?code="+url.QueryEscape(code), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
	if err != nil || params["filename"] == "" {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("download rejected: %s", strings.TrimSpace(string(body)))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.Base(params["filename"]))
	f, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dst)
		return "", err
	}
	return dst, f.Close()
}

// Make 提交、等待、下载
func (c *packagerClient) Make(ctx context.Context, params map[string]string, dir string) (string, error) {
	code, err := c.Add(ctx, params)
	if err != nil {
		return "", err
	}
	if err := c.Wait(ctx, code); err != nil {
		return "", fmt.Errorf("task %s: %w", code, err)
	}
	path, err := c.Download(ctx, code, dir)
	if err != nil {
		return "", fmt.Errorf("task %s: %w", code, err)
	}
	return path, nil
}

func (c *packagerClient) text(req *http.Request) (string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
