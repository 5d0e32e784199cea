package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/baxromumarov/shard-xa/pkg/protocol"
)

// HTTPClient talks to a coordinator's HTTP API
type HTTPClient struct {
	client  *http.Client
	timeout time.Duration
	// retries apply to idempotent requests only
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates a new HTTP client with timeout
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// WithRetry configures retry attempts for transient failures (5xx or
// transport errors). Transaction requests are never retried.
func (c *HTTPClient) WithRetry(maxRetries int, retryDelay time.Duration) *HTTPClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay < 0 {
		retryDelay = 0
	}

	c.maxRetries = maxRetries
	c.retryDelay = retryDelay
	return c
}

// DefaultHTTPClient creates a client with default 5 second timeout
func DefaultHTTPClient() *HTTPClient {
	return NewHTTPClient(5 * time.Second)
}

// Health checks if a coordinator is alive
func (c *HTTPClient) Health(ctx context.Context, addr string) (*protocol.HealthResponse, error) {
	var health protocol.HealthResponse
	if err := c.getJSON(ctx, addr, "health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Shards lists the registered shards
func (c *HTTPClient) Shards(ctx context.Context, addr string) (*protocol.ShardsResponse, error) {
	var shards protocol.ShardsResponse
	if err := c.getJSON(ctx, addr, "shards", &shards); err != nil {
		return nil, err
	}
	return &shards, nil
}

// ActiveTransactions lists the transactions the coordinator has not finished
func (c *HTTPClient) ActiveTransactions(ctx context.Context, addr string) (*protocol.ActiveTransactionsResponse, error) {
	var active protocol.ActiveTransactionsResponse
	if err := c.getJSON(ctx, addr, "transactions", &active); err != nil {
		return nil, err
	}
	return &active, nil
}

// RegisterTopology replaces the coordinator's shard topology. Registering the
// same topology twice has the same effect as once, so it is retried.
func (c *HTTPClient) RegisterTopology(ctx context.Context, addr string, req *protocol.TopologyRequest) (*protocol.TopologyResponse, error) {
	resp, err := c.postJSON(ctx, addr, "topology", req, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var topo protocol.TopologyResponse
	if err := json.NewDecoder(resp.Body).Decode(&topo); err != nil {
		return nil, errors.Wrapf(err, "decode topology response (status %d)", resp.StatusCode)
	}
	return &topo, nil
}

// ExecuteTransaction runs a statement batch as one global transaction. A
// failed transaction is reported in the response, not as an error.
func (c *HTTPClient) ExecuteTransaction(ctx context.Context, addr string, req *protocol.TransactionRequest) (*protocol.TransactionResponse, error) {
	resp, err := c.postJSON(ctx, addr, "transaction", req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var tx protocol.TransactionResponse
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, errors.Wrapf(err, "decode transaction response (status %d)", resp.StatusCode)
	}
	return &tx, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, addr, path string, out any) error {
	resp, err := c.doWithRetry(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/%s", addr, path), nil)
		if err != nil {
			return nil, err
		}
		return c.client.Do(req)
	}, c.maxRetries)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed with status: %d", path, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) postJSON(ctx context.Context, addr, path string, payload any, retry bool) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	retries := 0
	if retry {
		retries = c.maxRetries
	}

	return c.doWithRetry(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s/%s", addr, path), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.client.Do(req)
	}, retries)
}

// doWithRetry returns the last response when every attempt answered 5xx so
// the caller can read the error body.
func (c *HTTPClient) doWithRetry(do func() (*http.Response, error), retries int) (*http.Response, error) {
	attempts := retries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := do()
		if err == nil && (resp.StatusCode < http.StatusInternalServerError || attempt == attempts-1) {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("transient status: %d", resp.StatusCode)
			// Ensure we drain/close to avoid leaking connections
			if resp.Body != nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}

		if attempt == attempts-1 {
			break
		}

		if c.retryDelay > 0 {
			time.Sleep(c.retryDelay)
		}
	}

	return nil, lastErr
}
