package kvrest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// envelope is the response shape of the Redis-over-REST API (Upstash / Vercel KV).
type envelope struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("kvrest: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused key-value client for a Redis REST endpoint.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for the REST endpoint at baseURL authenticated
// with a bearer token.
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("kvrest: base URL must not be empty")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("kvrest: token must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a 5s
// timeout if none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func commandURL(baseURL, command, key string) string {
	return strings.TrimRight(baseURL, "/") + "/" + command + "/" + url.PathEscape(key)
}

// Get returns the value stored at key. String results are unwrapped; any other
// JSON result is returned as raw JSON. found is false when the key is absent.
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if strings.TrimSpace(key) == "" {
		return nil, false, errors.New("kvrest: key must not be empty")
	}
	u := commandURL(c.baseURL, "get", key)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, fmt.Errorf("kvrest: create get request: %w", err)
	}
	env, err := c.do(req, u)
	if err != nil {
		return nil, false, fmt.Errorf("kvrest: get %q: %w", key, err)
	}

	raw := bytes.TrimSpace(env.Result)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false, fmt.Errorf("kvrest: decode string result: %w", err)
		}
		return []byte(s), true, nil
	}
	return raw, true, nil
}

// Set stores value at key. A positive ttl is sent as EX seconds.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("kvrest: key must not be empty")
	}
	u := commandURL(c.baseURL, "set", key)
	if secs := int64(ttl / time.Second); secs > 0 {
		u += "?EX=" + strconv.FormatInt(secs, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("kvrest: create set request: %w", err)
	}
	if _, err := c.do(req, u); err != nil {
		return fmt.Errorf("kvrest: set %q: %w", key, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, u string) (envelope, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return envelope{}, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return envelope{}, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        u,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return envelope{}, fmt.Errorf("read response body: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return envelope{}, fmt.Errorf("decode response: %w", err)
	}
	if env.Error != "" {
		return envelope{}, errors.New(env.Error)
	}
	return env, nil
}
