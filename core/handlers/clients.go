// Package handlers implements the concrete queue-processor handlers for the
// Portfolio, DataFetcher, and AIAnalysis queues, plus the outbound
// collaborator clients (broker, market data, LLM) they call.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/quantrail/tradingcore/core/idempotency"
	"github.com/quantrail/tradingcore/core/ratebudget"
	"github.com/quantrail/tradingcore/core/taskstore"
)

// httpError classifies a completed outbound HTTP call into task error kinds:
// 429 is RateLimited, 401/403 are Fatal, 5xx is Transient, and any other 4xx
// is Validation.
func httpError(resp *http.Response, body []byte) *taskstore.TaskError {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return &taskstore.TaskError{Kind: taskstore.ErrRateLimited, Message: "rate limited by collaborator", Recoverable: true, RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &taskstore.TaskError{Kind: taskstore.ErrFatal, Message: "collaborator rejected credentials", Recoverable: false}
	case resp.StatusCode >= 500:
		return &taskstore.TaskError{Kind: taskstore.ErrTransient, Message: fmt.Sprintf("collaborator returned %d: %s", resp.StatusCode, string(body)), Recoverable: true}
	case resp.StatusCode >= 400:
		return &taskstore.TaskError{Kind: taskstore.ErrValidation, Message: fmt.Sprintf("collaborator rejected request: %d: %s", resp.StatusCode, string(body)), Recoverable: false}
	default:
		return nil
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// BrokerClient is a thin net/http client for the broker collaborator.
// PlaceOrder/GetHoldings/GetPositions/GetBalances all require an idempotency
// key; PlaceOrder's response is cached so a handler retry replays the exact
// prior effect instead of double-submitting an order.
type BrokerClient struct {
	BaseURL     string
	HTTPClient  *http.Client
	Idempotency *idempotency.Store
}

func NewBrokerClient(baseURL string, idem *idempotency.Store) *BrokerClient {
	return &BrokerClient{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 10 * time.Second}, Idempotency: idem}
}

// PlaceOrder submits an order under idempotencyKey (the task id). A retry
// with the same key replays the cached response rather than re-submitting.
func (c *BrokerClient) PlaceOrder(ctx context.Context, idempotencyKey string, order map[string]interface{}) (map[string]interface{}, error) {
	if c.Idempotency != nil {
		if cached, ok := c.Idempotency.Get(ctx, idempotencyKey); ok {
			return decodeCachedJSON(cached.Body)
		}
	}

	var out map[string]interface{}
	resp, body, err := c.doJSON(ctx, http.MethodPost, "/orders", idempotencyKey, order)
	if err != nil {
		return nil, err
	}
	if c.Idempotency != nil {
		c.Idempotency.Set(ctx, idempotencyKey, idempotency.Response{StatusCode: resp.StatusCode, Body: body})
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &taskstore.TaskError{Kind: taskstore.ErrFatal, Message: "malformed broker response: " + err.Error()}
	}
	return out, nil
}

func (c *BrokerClient) GetHoldings(ctx context.Context, idempotencyKey string) (map[string]interface{}, error) {
	return c.getJSON(ctx, "/holdings", idempotencyKey)
}

func (c *BrokerClient) GetPositions(ctx context.Context, idempotencyKey string) (map[string]interface{}, error) {
	return c.getJSON(ctx, "/positions", idempotencyKey)
}

func (c *BrokerClient) GetBalances(ctx context.Context, idempotencyKey string) (map[string]interface{}, error) {
	return c.getJSON(ctx, "/balances", idempotencyKey)
}

func (c *BrokerClient) getJSON(ctx context.Context, path, idempotencyKey string) (map[string]interface{}, error) {
	_, body, err := c.doJSON(ctx, http.MethodGet, path, idempotencyKey, nil)
	if err != nil {
		return nil, err
	}
	return decodeCachedJSON(body)
}

func (c *BrokerClient) doJSON(ctx context.Context, method, path, idempotencyKey string, payload interface{}) (*http.Response, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, &taskstore.TaskError{Kind: taskstore.ErrValidation, Message: err.Error()}
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return nil, nil, &taskstore.TaskError{Kind: taskstore.ErrValidation, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, &taskstore.TaskError{Kind: taskstore.ErrTimeout, Message: err.Error(), Recoverable: true}
		}
		return nil, nil, &taskstore.TaskError{Kind: taskstore.ErrTransient, Message: err.Error(), Recoverable: true}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if taskErr := httpError(resp, body); taskErr != nil {
		return resp, body, taskErr
	}
	return resp, body, nil
}

func decodeCachedJSON(body []byte) (map[string]interface{}, error) {
	if len(body) == 0 {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &taskstore.TaskError{Kind: taskstore.ErrFatal, Message: "malformed cached broker response: " + err.Error()}
	}
	return out, nil
}

// MarketDataClient fetches news/earnings/fundamentals/option-chain payloads.
type MarketDataClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewMarketDataClient(baseURL string) *MarketDataClient {
	return &MarketDataClient{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Fetch retrieves topic (news/earnings/fundamentals/option_chain) filtered by
// filters, keyed under idempotencyKey for symmetry with the broker client
// even though these calls are naturally idempotent reads.
func (m *MarketDataClient) Fetch(ctx context.Context, topic string, filters map[string]string, idempotencyKey string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.BaseURL+"/"+topic, nil)
	if err != nil {
		return nil, &taskstore.TaskError{Kind: taskstore.ErrValidation, Message: err.Error()}
	}
	q := req.URL.Query()
	for k, v := range filters {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := m.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &taskstore.TaskError{Kind: taskstore.ErrTimeout, Message: err.Error(), Recoverable: true}
		}
		return nil, &taskstore.TaskError{Kind: taskstore.ErrTransient, Message: err.Error(), Recoverable: true}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if taskErr := httpError(resp, body); taskErr != nil {
		return nil, taskErr
	}
	return decodeCachedJSON(body)
}

// LLMClient wraps the Anthropic Messages API for the AIAnalysis queue's
// handlers. A 429 response is reported to the Rate Budget as a failure of
// the "anthropic" API's "default" key with a 30s retry-after; token usage
// from successful responses is not reported.
type LLMClient struct {
	client *anthropic.Client
	model  anthropic.Model
	budget *ratebudget.Budget
}

func NewLLMClient(apiKey string, model anthropic.Model, budget *ratebudget.Budget) *LLMClient {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &LLMClient{client: &client, model: model, budget: budget}
}

// Analyze sends prompt to the model and returns its text response. options
// may set max_tokens (default 1024) via the "max_tokens" key.
func (l *LLMClient) Analyze(ctx context.Context, prompt string, options map[string]interface{}) (string, error) {
	maxTokens := int64(1024)
	if v, ok := options["max_tokens"].(int); ok {
		maxTokens = int64(v)
	}

	message, err := l.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     l.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			if l.budget != nil {
				l.budget.ReportResult("anthropic", "default", false, 30*time.Second)
			}
			return "", &taskstore.TaskError{Kind: taskstore.ErrRateLimited, Message: err.Error(), Recoverable: true, RetryAfter: 30 * time.Second}
		}
		if ctx.Err() != nil {
			return "", &taskstore.TaskError{Kind: taskstore.ErrTimeout, Message: err.Error(), Recoverable: true}
		}
		return "", &taskstore.TaskError{Kind: taskstore.ErrTransient, Message: err.Error(), Recoverable: true}
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
