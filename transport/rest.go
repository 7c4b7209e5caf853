package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"exchange-connector-go/metrics"
	"exchange-connector-go/throttle"
)

// Request 一次待发送的 REST 调用。Params 进 query string，Body 进请求体。
// LimitID 指定该端点对应的限流规则；AuthRequired 控制是否经过签名。
type Request struct {
	Method       string
	Path         string
	Params       url.Values
	Headers      http.Header
	Body         []byte
	AuthRequired bool
	LimitID      string
}

// Response REST 响应。Body 已整体读出。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// RequestProcessor 请求前置处理器，按注册顺序执行（注入时间戳、设置 content-type 等）。
type RequestProcessor func(r *Request) error

// ResponseProcessor 响应后置处理器。
type ResponseProcessor func(r *Response) error

// Authenticator 为请求附加签名。密钥材料由实现持有，绝不写入日志。
type Authenticator interface {
	Sign(r *Request) error
}

// RESTClient 统一的 REST 出口：前置处理 → 可选签名 → 限流 → HTTP → 后置处理。
// HTTPClient 可注入 httptest 的客户端。
type RESTClient struct {
	BaseURL        string
	HTTPClient     *http.Client
	Throttler      *throttle.Throttler
	Auth           Authenticator
	PreProcessors  []RequestProcessor
	PostProcessors []ResponseProcessor
	Log            *zap.Logger
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// Execute 发送一次请求。非 2xx 响应返回 *APIError；限流等待遵循 ctx 的 deadline。
func (c *RESTClient) Execute(ctx context.Context, req Request) (*Response, error) {
	if c == nil || c.HTTPClient == nil {
		return nil, fmt.Errorf("transport: http client not set")
	}
	if req.Params == nil {
		req.Params = url.Values{}
	}
	if req.Headers == nil {
		req.Headers = http.Header{}
	}

	for _, p := range c.PreProcessors {
		if err := p(&req); err != nil {
			return nil, fmt.Errorf("transport: pre-process: %w", err)
		}
	}
	if req.AuthRequired {
		if c.Auth == nil {
			return nil, fmt.Errorf("transport: request requires auth but no authenticator configured")
		}
		if err := c.Auth.Sign(&req); err != nil {
			return nil, fmt.Errorf("transport: sign: %w", err)
		}
	}
	if c.Throttler != nil && req.LimitID != "" {
		if err := c.Throttler.Acquire(ctx, req.LimitID); err != nil {
			return nil, err
		}
	}

	endpoint := c.BaseURL + req.Path
	if encoded := req.Params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, endpoint, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		metrics.CountRESTRequest(req.LimitID, "error")
		return nil, fmt.Errorf("transport: %s %s: %w", req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		metrics.CountRESTRequest(req.LimitID, "error")
		return nil, fmt.Errorf("transport: read body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		metrics.CountRESTRequest(req.LimitID, "error")
		if c.Log != nil {
			c.Log.Warn("rest error response",
				zap.String("method", req.Method),
				zap.String("path", req.Path),
				zap.Int("status", httpResp.StatusCode))
		}
		return nil, &APIError{Status: httpResp.StatusCode, Body: body}
	}

	resp := &Response{Status: httpResp.StatusCode, Header: httpResp.Header, Body: body}
	for _, p := range c.PostProcessors {
		if err := p(resp); err != nil {
			return nil, fmt.Errorf("transport: post-process: %w", err)
		}
	}
	metrics.CountRESTRequest(req.LimitID, "ok")
	return resp, nil
}

// TimestampProcessor 注入毫秒时间戳参数（多数交易所的签名接口要求）。
func TimestampProcessor(param string) RequestProcessor {
	return func(r *Request) error {
		r.Params.Set(param, strconv.FormatInt(time.Now().UnixMilli(), 10))
		return nil
	}
}

// ContentTypeProcessor 设置 Content-Type 头。
func ContentTypeProcessor(contentType string) RequestProcessor {
	return func(r *Request) error {
		r.Headers.Set("Content-Type", contentType)
		return nil
	}
}
