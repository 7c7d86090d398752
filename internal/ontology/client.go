package ontology

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Client talks JSON-RPC 2.0 to the ontology service over HTTP. Category
// listings change slowly, so responses are cached with a short TTL. Transient
// failures retry with bounded exponential backoff.
type Client struct {
	endpoint   string
	httpClient *http.Client
	cacheTTL   time.Duration
	maxRetries int
	requestID  atomic.Int64

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	classes   []Class
	fetchedAt time.Time
}

// NewClient creates a gateway client for the configured endpoint.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{
		endpoint:   cfg.Endpoint,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cacheTTL:   cfg.CacheTTL,
		maxRetries: cfg.MaxRetries,
		cache:      make(map[string]cacheEntry),
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	rpcCodeNotFound         = -32001
	rpcCodeInvalidCandidate = -32002
)

// call performs one JSON-RPC round trip with bounded retry on transport
// failures and 5xx responses.
func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.requestID.Add(1),
		Method:  method,
		Params:  params,
	}
	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = c.doOnce(ctx, jsonData, result)
		if lastErr == nil {
			return nil
		}
		// Hard protocol errors never retry.
		if errorsIsHard(lastErr) {
			return lastErr
		}
		log.Printf("Warning: ontology call %s attempt %d failed: %v", method, attempt+1, lastErr)
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

func (c *Client) doOnce(ctx context.Context, jsonData []byte, result interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %v", err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("service returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return hardError(fmt.Errorf("service returned status %d: %s", resp.StatusCode, string(body)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("failed to parse response: %v", err)
	}
	if rpcResp.Error != nil {
		switch rpcResp.Error.Code {
		case rpcCodeNotFound:
			return hardError(fmt.Errorf("%w: %s", ErrNotFound, rpcResp.Error.Message))
		case rpcCodeInvalidCandidate:
			return hardError(fmt.Errorf("%w: %s", ErrInvalidCandidate, rpcResp.Error.Message))
		default:
			return hardError(fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message))
		}
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return hardError(fmt.Errorf("failed to parse result: %v", err))
		}
	}
	return nil
}

// hardErr wraps errors that must not retry.
type hardErr struct{ err error }

func (e hardErr) Error() string { return e.err.Error() }
func (e hardErr) Unwrap() error { return e.err }

func hardError(err error) error { return hardErr{err: err} }

func errorsIsHard(err error) bool {
	_, ok := err.(hardErr)
	return ok
}

// GetClasses returns current published classes for a category, serving from
// the TTL cache when fresh.
func (c *Client) GetClasses(ctx context.Context, category string) ([]Class, error) {
	c.mu.RLock()
	entry, ok := c.cache[category]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.cacheTTL {
		return entry.classes, nil
	}

	var result struct {
		Status   string  `json:"status"`
		Entities []Class `json:"entities"`
	}
	params := map[string]string{"category": category}
	if err := c.call(ctx, "get_entities_by_category", params, &result); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[category] = cacheEntry{classes: result.Entities, fetchedAt: time.Now()}
	c.mu.Unlock()

	return result.Entities, nil
}

// SearchClasses performs a ranked search, optionally scoped to a category.
func (c *Client) SearchClasses(ctx context.Context, query, category string) ([]Class, error) {
	var result struct {
		Status   string  `json:"status"`
		Entities []Class `json:"entities"`
	}
	params := map[string]string{"query": query}
	if category != "" {
		params["category"] = category
	}
	if err := c.call(ctx, "search_entities", params, &result); err != nil {
		return nil, err
	}
	return result.Entities, nil
}

// GetClass retrieves one full class record.
func (c *Client) GetClass(ctx context.Context, uri string) (*Class, error) {
	var result struct {
		Status string `json:"status"`
		Entity *Class `json:"entity"`
	}
	if err := c.call(ctx, "get_entity", map[string]string{"uri": uri}, &result); err != nil {
		return nil, err
	}
	if result.Entity == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return result.Entity, nil
}

// ProposeClass submits a candidate and returns the candidate URI, which is
// usable immediately.
func (c *Client) ProposeClass(ctx context.Context, candidate Candidate) (string, error) {
	var result struct {
		Status       string `json:"status"`
		CandidateURI string `json:"candidate_uri"`
	}
	if err := c.call(ctx, "submit_candidate_concept", candidate, &result); err != nil {
		return "", err
	}
	if result.CandidateURI == "" {
		return "", fmt.Errorf("%w: service returned no candidate URI", ErrInvalidCandidate)
	}

	// New class invalidates the category listing.
	c.mu.Lock()
	delete(c.cache, candidate.Category)
	c.mu.Unlock()

	return result.CandidateURI, nil
}

var _ Gateway = (*Client)(nil)
