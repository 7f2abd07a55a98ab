package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/jmgilman/go/errors"

	"github.com/nuba-io/nuba/internal/patch"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

const defaultTimeout = 30 * time.Second

// Options 描述客户端连接参数。
type Options struct {
	// BaseURL 形如 http://127.0.0.1:8080。
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 调用文件服务，多个 goroutine 可共享同一实例。
type Client struct {
	baseURL string
	http    *http.Client
}

// New 校验 BaseURL 并返回 Client。
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("仅支持 http/https: %s", opts.BaseURL)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url 缺少 Host: %s", opts.BaseURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: base,
		http: &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		},
	}, nil
}

func (c *Client) CreateFile(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodGet, "/create_file", path, nil)
	return err
}

func (c *Client) CreateDir(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodGet, "/create_dir", path, nil)
	return err
}

// Read 返回文件完整内容。
func (c *Client) Read(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/read", path, nil)
}

// Write 发送补丁文本，由服务端应用到当前内容。
func (c *Client) Write(ctx context.Context, path string, body []byte) error {
	_, err := c.do(ctx, http.MethodPost, "/write", path, body)
	return err
}

// Replace 生成把 from 变为 to 的补丁并写入；from 与服务端内容不一致时返回 400 错误。
func (c *Client) Replace(ctx context.Context, path, from, to string) error {
	return c.Write(ctx, path, patch.Make(from, to))
}

func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodGet, "/remove", path, nil)
	return err
}

func (c *Client) Close(ctx context.Context, path string) error {
	_, err := c.do(ctx, http.MethodGet, "/close", path, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, route, path string, body []byte) ([]byte, error) {
	if path == "" {
		return nil, apperrors.New(apperrors.CodeInvalidInput, "path is required")
	}
	target := c.baseURL + route + "?" + url.PathEscape(path)

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeNetwork, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeNetwork, "read response failed")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp, data, path)
	}
	return data, nil
}

// responseError 将非 200 响应还原为结构化错误，状态码映射与服务端一致。
func responseError(resp *http.Response, body []byte, path string) error {
	code := apperrors.CodeInvalidInput
	switch resp.StatusCode {
	case http.StatusNotFound:
		code = apperrors.CodeNotFound
	case http.StatusForbidden:
		code = apperrors.CodeForbidden
	case http.StatusConflict:
		code = apperrors.CodeAlreadyExists
	case http.StatusRequestTimeout:
		code = apperrors.CodeTimeout
	case http.StatusServiceUnavailable:
		code = apperrors.CodeUnavailable
	default:
		if resp.StatusCode >= http.StatusInternalServerError {
			code = apperrors.CodeInternal
		}
	}
	return apperrors.WithContextMap(apperrors.New(code, string(body)), map[string]interface{}{
		"status":     resp.StatusCode,
		"path":       path,
		"request_id": resp.Header.Get("X-Request-ID"),
	})
}

// IsNotFound 报告 err 是否对应服务端的 404 响应。
func IsNotFound(err error) bool {
	return apperrors.GetCode(err) == apperrors.CodeNotFound
}

// StatusCode 返回服务端响应码，非响应错误返回 0。
func StatusCode(err error) int {
	var platformErr apperrors.PlatformError
	if !errors.As(err, &platformErr) {
		return 0
	}
	if status, ok := platformErr.Context()["status"].(int); ok {
		return status
	}
	return 0
}
