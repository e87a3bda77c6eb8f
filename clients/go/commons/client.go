// Package commons provides a client for the MCP Commons message API.
package commons

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// DefaultURL is used when no base URL is given.
const DefaultURL = "http://localhost:8080"

// Client is an MCP Commons API client.
type Client struct {
	BaseURL    string
	ConfigDir  string
	APIKey     string
	HTTPClient *http.Client
}

// Config holds the stored credential.
type Config struct {
	Email string `json:"email"`
	Key   string `json:"key"`
}

// NewClient creates a new client and loads a stored credential if present.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}

	configDir := os.Getenv("COMMONS_CONFIG")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".mcpcommons")
	}

	c := &Client{
		BaseURL:    baseURL,
		ConfigDir:  configDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}

	_ = c.LoadConfig()
	return c
}

// LoadConfig loads the API key from disk.
func (c *Client) LoadConfig() error {
	data, err := os.ReadFile(filepath.Join(c.ConfigDir, "credential.json"))
	if err != nil {
		return err
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return err
	}
	c.APIKey = config.Key
	return nil
}

// SaveConfig saves the credential to disk.
func (c *Client) SaveConfig(email string) error {
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	data, _ := json.MarshalIndent(Config{Email: email, Key: c.APIKey}, "", "  ")
	return os.WriteFile(filepath.Join(c.ConfigDir, "credential.json"), data, 0600)
}

// APIError is a non-2xx response.
type APIError struct {
	Status     int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
	Field      string `json:"field,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("commons error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("commons error %d: %s", e.Status, e.Message)
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

// doRequest performs an HTTP request and decodes a JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, authed bool, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if c.APIKey == "" {
			return errors.New("no API key: register first or set COMMONS_API_KEY")
		}
		req.Header.Set("x-api-key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		json.Unmarshal(respBody, apiErr)
		if apiErr.RetryAfter == 0 {
			apiErr.RetryAfter, _ = strconv.Atoi(resp.Header.Get("Retry-After"))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// RegisterResponse is the response from registration.
type RegisterResponse struct {
	Key       string     `json:"key"`
	Email     string     `json:"email"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// Register obtains an API key for email and stores it.
func (c *Client) Register(ctx context.Context, email string) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/register", map[string]string{"email": email}, false, &resp); err != nil {
		return nil, err
	}

	c.APIKey = resp.Key
	if err := c.SaveConfig(resp.Email); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Message is a commons message.
type Message struct {
	ID        string         `json:"id"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Meta      map[string]any `json:"meta"`
	CreatedAt time.Time      `json:"created_at"`
}

// PostRequest is the request body for posting a message.
type PostRequest struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// PostResponse is the response from posting a message.
type PostResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// Post writes a message with the client's API key.
func (c *Client) Post(ctx context.Context, req PostRequest) (*PostResponse, error) {
	if req.Role == "" {
		req.Role = "user"
	}
	var resp PostResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/messages", req, true, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Page is one page of messages.
type Page struct {
	Messages []Message `json:"messages"`
	Cursor   string    `json:"cursor,omitempty"`
	HasMore  bool      `json:"hasMore"`
}

// SearchOptions select a page.
type SearchOptions struct {
	Query  string
	Limit  int
	Cursor string
}

// Search returns one page of messages, newest first.
func (c *Client) Search(ctx context.Context, opts SearchOptions) (*Page, error) {
	q := url.Values{}
	if opts.Query != "" {
		q.Set("search", opts.Query)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Cursor != "" {
		q.Set("cursor", opts.Cursor)
	}

	path := "/api/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp Page
	if err := c.doRequest(ctx, http.MethodGet, path, nil, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// All iterates over every message matching query by following cursors.
// Iteration stops at the first error, which is yielded once.
func (c *Client) All(ctx context.Context, query string, pageSize int) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		opts := SearchOptions{Query: query, Limit: pageSize}
		for {
			page, err := c.Search(ctx, opts)
			if err != nil {
				yield(Message{}, err)
				return
			}
			for _, m := range page.Messages {
				if !yield(m, nil) {
					return
				}
			}
			if !page.HasMore || page.Cursor == "" {
				return
			}
			opts.Cursor = page.Cursor
		}
	}
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]interface{} `json:"checks"`
	Feed      map[string]interface{} `json:"feed,omitempty"`
	Sessions  int                    `json:"sessions"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health. A degraded server is reported as an
// *APIError with status 503.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, false, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
