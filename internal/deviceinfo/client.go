// Package deviceinfo 生产数据库的设备信息接口
//
// 所有接口都需要先登录拿到 token，token 失效 (1004) 时自动重新登录。
package deviceinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ipkforge/pkg/retry"
)

const (
	pathLogin        = "openapi/login"
	pathDeviceByID   = "api/icopy/qc/get/device/by/id"
	pathDeviceBySN   = "api/icopy/qc/get/device/by/sn"
	pathUpdateStatus = "api/icopy/qc/update/device/status"
	pathUpdateType   = "api/icopy/qc/update/device/type"
	pathSaveDevice   = "api/icopy/qc/save/device/info"
)

const (
	codeOK             = 1000
	codeSessionExpired = 1004
)

var (
	ErrNotFound = errors.New("deviceinfo: device not found")

	errSessionExpired = errors.New("deviceinfo: session expired")
)

// APIError 服务端返回的业务错误，不会重试
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("deviceinfo: api error %d: %s", e.Code, e.Msg)
}

// Device 数据库中的一条设备记录
type Device struct {
	IDCPU        string `json:"idCPU"`
	IDPM3        string `json:"idPM3"`
	IDSTM32      string `json:"idSTM32"`
	Type         int    `json:"type"`
	Date         string `json:"date"`
	SN           string `json:"snStr"`
	FactoryState int    `json:"fcState"`
	HWMain       int    `json:"hwVersionMain"`
	HWSub        int    `json:"hwVersionSub"`
}

// Fields 按生产工具的表单字段名展开
func (d *Device) Fields() map[string]string {
	return map[string]string{
		"sn_str":          d.SN,
		"id_cpu":          d.IDCPU,
		"id_pm3":          d.IDPM3,
		"id_stm32":        d.IDSTM32,
		"hw_version_main": strconv.Itoa(d.HWMain),
		"hw_version_sub":  strconv.Itoa(d.HWSub),
	}
}

// Identity 设备的三个硬件 ID
type Identity struct {
	CPU   string
	PM3   string
	STM32 string
}

type envelope struct {
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Result json.RawMessage `json:"result"`
}

type Config struct {
	BaseURL  string
	User     string
	Password string
	Timeout  time.Duration
	Retry    retry.Policy
}

// Client 线程安全，同一时刻只有一个登录请求
type Client struct {
	baseURL  string
	user     string
	password string
	http     *http.Client
	policy   retry.Policy
	logger   *slog.Logger

	mu    sync.Mutex
	token string
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 21 * time.Second
	}
	policy := cfg.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.Policy{MaxAttempts: 5, Backoff: time.Second}
	}
	// 业务错误直接返回，网络错误和 token 失效重试
	policy.Retryable = func(err error) bool {
		var apiErr *APIError
		return !errors.As(err, &apiErr) && !errors.Is(err, ErrNotFound)
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/") + "/",
		user:     cfg.User,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
		policy:   policy,
		logger:   logger.With("component", "deviceinfo"),
	}
}

// DeviceByID 按硬件 ID 查询
func (c *Client) DeviceByID(ctx context.Context, id Identity) (*Device, error) {
	return c.device(ctx, pathDeviceByID, url.Values{
		"id_cpu":   {id.CPU},
		"id_pm3":   {id.PM3},
		"id_stm32": {id.STM32},
	})
}

// DeviceBySN 按序列号查询
func (c *Client) DeviceBySN(ctx context.Context, sn string) (*Device, error) {
	return c.device(ctx, pathDeviceBySN, url.Values{"sn": {sn}})
}

// SaveDevice 录入设备并分配序列号
func (c *Client) SaveDevice(ctx context.Context, id Identity, typ, hwMajor, hwMinor int) (string, error) {
	if hwMajor > 999 || hwMinor > 999 {
		return "", fmt.Errorf("deviceinfo: hardware version %d.%d out of range", hwMajor, hwMinor)
	}
	if id.CPU == "" || id.PM3 == "" || id.STM32 == "" {
		return "", errors.New("deviceinfo: incomplete device identity")
	}

	var result json.RawMessage
	err := c.call(ctx, pathSaveDevice, url.Values{
		"id_cpu":       {id.CPU},
		"id_pm3":       {id.PM3},
		"id_stm32":     {id.STM32},
		"type":         {strconv.Itoa(typ)},
		"hw_major_ver": {strconv.Itoa(hwMajor)},
		"hw_minor_ver": {strconv.Itoa(hwMinor)},
	}, &result)
	if err != nil {
		return "", err
	}
	return rawString(result), nil
}

// UpdateStatus 更新出厂状态
func (c *Client) UpdateStatus(ctx context.Context, sn string, status int) error {
	return c.call(ctx, pathUpdateStatus, url.Values{"sn": {sn}, "status": {strconv.Itoa(status)}}, nil)
}

// UpdateType 更新设备类型
func (c *Client) UpdateType(ctx context.Context, sn string, typ int) error {
	return c.call(ctx, pathUpdateType, url.Values{"sn": {sn}, "type": {strconv.Itoa(typ)}}, nil)
}

func (c *Client) device(ctx context.Context, path string, params url.Values) (*Device, error) {
	var d *Device
	if err := c.call(ctx, path, params, &d); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrNotFound
	}
	return d, nil
}

// call 带 token 请求接口，结果解析到 out
func (c *Client) call(ctx context.Context, path string, params url.Values, out any) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		token, err := c.login(ctx)
		if err != nil {
			return err
		}

		query := url.Values{}
		for k, v := range params {
			query[k] = v
		}
		query.Set("token", token)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
		if err != nil {
			return err
		}
		env, err := c.do(req)
		if err != nil {
			c.logger.Warn("request failed", "path", path, "error", err)
			return err
		}

		switch env.Code {
		case codeOK:
			if out == nil || len(env.Result) == 0 {
				return nil
			}
			if err := json.Unmarshal(env.Result, out); err != nil {
				return &APIError{Code: env.Code, Msg: "decode result: " + err.Error()}
			}
			return nil
		case codeSessionExpired:
			c.logger.Info("session expired, logging in again")
			c.dropToken(token)
			return errSessionExpired
		default:
			return &APIError{Code: env.Code, Msg: env.Msg}
		}
	})
}

func (c *Client) login(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return c.token, nil
	}

	form := url.Values{"user": {c.user}, "password": {c.password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathLogin, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	env, err := c.do(req)
	if err != nil {
		c.logger.Warn("login failed", "error", err)
		return "", err
	}
	if env.Code != codeOK {
		return "", &APIError{Code: env.Code, Msg: env.Msg}
	}

	token := rawString(env.Result)
	if token == "" {
		return "", &APIError{Code: env.Code, Msg: "empty session token"}
	}
	c.token = token
	c.logger.Info("logged in", "user", c.user)
	return token, nil
}

// dropToken 只有 token 没被其他请求刷新过才清除
func (c *Client) dropToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
	}
}

func (c *Client) do(req *http.Request) (*envelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deviceinfo: unexpected status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("deviceinfo: decode response: %w", err)
	}
	return &env, nil
}

// rawString 结果可能是 JSON 字符串或数字
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	v := strings.TrimSpace(string(raw))
	if v == "null" {
		return ""
	}
	return v
}
