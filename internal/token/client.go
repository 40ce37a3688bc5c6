package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lingochamp/open-wechat-scorer/internal/metrics"
)

const (
	// Method is the JSON-RPC method that returns the WeChat access token
	Method = "WeChat.AccessToken"

	// DefaultAddr is the token service used when none is configured
	DefaultAddr = "http://localhost:8367/"

	// DefaultTimeout bounds one token request
	DefaultTimeout = 1 * time.Second

	maxResponseBody = 1 << 20
)

// Error is returned when the token service cannot provide a token. Response
// holds the raw body for diagnostics.
type Error struct {
	Message  string
	Response string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("get access token: %s: %v", e.Message, e.Err)
	}
	return "get access token: " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config contains token client configuration
type Config struct {
	Addr    string
	Timeout time.Duration
}

// Client fetches access tokens from a JSON-RPC 2.0 token service
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      int            `json:"id"`
}

type rpcResponse struct {
	Result *struct {
		AccessToken *string `json:"access_token"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient creates a token client. httpClient is normally bound to the
// shared transport; its Timeout is ignored in favour of config.Timeout.
func NewClient(config Config, httpClient *http.Client, logger *slog.Logger, m *metrics.Metrics) *Client {
	if config.Addr == "" {
		config.Addr = DefaultAddr
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		metrics:    m,
	}
}

// AccessToken asks the token service for the current access token
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	startTime := time.Now()
	c.incrementTotalRequests()

	token, err := c.doRequest(ctx)
	if err != nil {
		c.incrementFailedRequests()
		c.metrics.RecordTokenRequest("failure")
		c.logger.Warn("Unable to get access token",
			slog.String("addr", c.config.Addr),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	c.incrementSuccessRequests()
	c.updateAvgResponseTime(time.Since(startTime))
	c.metrics.RecordTokenRequest("success")
	return token, nil
}

// doRequest performs a single JSON-RPC call
func (c *Client) doRequest(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  Method,
		Params:  map[string]any{},
		ID:      0,
	})
	if err != nil {
		return "", &Error{Message: "failed to encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Addr, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Message: "failed to create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &Error{Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", &Error{Message: "failed to read response", Err: err}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return "", &Error{Message: "failed to decode response", Response: string(respBody), Err: err}
	}

	if rpcResp.Error != nil {
		return "", &Error{
			Message:  fmt.Sprintf("token service error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message),
			Response: string(respBody),
		}
	}

	if rpcResp.Result == nil || rpcResp.Result.AccessToken == nil || *rpcResp.Result.AccessToken == "" {
		return "", &Error{Message: "response has no result.access_token", Response: string(respBody)}
	}

	return *rpcResp.Result.AccessToken, nil
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
	}
}
