package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "MoltArb/internal/errors"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://signer.rose-token.com"
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

// Config 描述了调用外部签名服务所需的信息。
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// APIError 表示签名服务返回了非 2xx 状态码。
type APIError struct {
	Status  int
	Message string
	Body    []byte
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("签名服务返回状态 %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("签名服务返回状态 %d", e.Status)
}

// Registration 是代理注册的结果。
type Registration struct {
	APIKey string
	Raw    json.RawMessage
}

// Client 通过 HTTP 调用签名服务，获取待执行的交易描述。
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient 根据配置创建签名服务客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("无效的签名服务地址: %w", err)
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

// Register 以钱包签名注册代理，返回签名服务签发的 API Key。
func (c *Client) Register(ctx context.Context, address, signature string) (*Registration, error) {
	body, err := c.do(ctx, http.MethodPost, "/api/agents/register", "", map[string]string{
		"walletAddress": strings.ToLower(address),
		"signature":     signature,
	})
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Success *bool  `json:"success"`
		APIKey  string `json:"apiKey"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析注册响应失败")
	}
	if decoded.Success != nil && !*decoded.Success {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, firstNonEmpty(decoded.Error, decoded.Message, "签名服务拒绝注册"))
	}
	if strings.TrimSpace(decoded.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "注册响应缺少 apiKey")
	}
	return &Registration{APIKey: decoded.APIKey, Raw: json.RawMessage(body)}, nil
}

// Deposit 获取 USDC 兑换 ROSE 的交易序列。
func (c *Client) Deposit(ctx context.Context, apiKey, amount string) (Result, error) {
	return c.action(ctx, "/api/agent/vault/deposit", apiKey, map[string]string{"amount": amount})
}

// Stake 获取 ROSE 质押为 vROSE 的交易序列。
func (c *Client) Stake(ctx context.Context, apiKey, amount string) (Result, error) {
	return c.action(ctx, "/api/agent/governance/deposit", apiKey, map[string]string{"amount": amount})
}

// ClaimTask 获取认领任务的交易。
func (c *Client) ClaimTask(ctx context.Context, apiKey, taskID string) (Result, error) {
	return c.action(ctx, "/api/agent/marketplace/tasks/"+url.PathEscape(taskID)+"/claim", apiKey, nil)
}

// CompleteTask 获取提交任务成果的交易。
func (c *Client) CompleteTask(ctx context.Context, apiKey, taskID, prURL string) (Result, error) {
	return c.action(ctx, "/api/agent/marketplace/tasks/"+url.PathEscape(taskID)+"/complete", apiKey, map[string]string{"prUrl": prURL})
}

// Tasks 原样返回任务列表，apiKey 可为空。
func (c *Client) Tasks(ctx context.Context, apiKey string) (json.RawMessage, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/agent/tasks", apiKey, nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "签名服务返回了非 JSON 响应")
	}
	return json.RawMessage(body), nil
}

func (c *Client) action(ctx context.Context, path, apiKey string, payload any) (Result, error) {
	if strings.TrimSpace(apiKey) == "" {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "代理尚未在签名服务注册")
	}
	body, err := c.do(ctx, http.MethodPost, path, apiKey, payload)
	if err != nil {
		return Result{}, err
	}
	return decodeResult(body)
}

func (c *Client) do(ctx context.Context, method, path, apiKey string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "等待签名服务配额失败")
	}

	var reader io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("序列化签名服务请求失败: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("构建签名服务请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "请求签名服务超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求签名服务失败")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取签名服务响应失败")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Body: body}
		var decoded struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &decoded) == nil {
			apiErr.Message = firstNonEmpty(decoded.Error, decoded.Message)
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, apiErr, "")
	}
	return body, nil
}
