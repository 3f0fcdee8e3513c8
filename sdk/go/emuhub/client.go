// Package emuhub is a small client for the EmuHub REST API.
package emuhub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// KeyHeader carries the API key on every authenticated request.
const KeyHeader = "KEY"

// Client wraps the HTTP interactions with an EmuHub server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu  sync.RWMutex
	key string
}

// Plugin describes a discovered server plugin.
type Plugin struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Address     string `json:"address,omitempty"`
	State       string `json:"state"`
	Source      string `json:"source"`
	Error       string `json:"error,omitempty"`
}

// AbilitySummary is the listing view of an ability.
type AbilitySummary struct {
	ID        string   `json:"ability_id"`
	Name      string   `json:"name"`
	Tactic    string   `json:"tactic,omitempty"`
	Technique string   `json:"technique,omitempty"`
	Plugin    string   `json:"plugin,omitempty"`
	Platforms []string `json:"platforms"`
}

// ExecutorHooks lists the hook keys registered on one executor, in run order.
type ExecutorHooks struct {
	Executor string   `json:"executor"`
	Platform string   `json:"platform"`
	Hooks    []string `json:"hooks"`
}

// Selector picks the executor of an ability to queue. Empty fields match any.
type Selector struct {
	Executor string `json:"executor,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// Link is an executor snapshot handed to the execution queue.
type Link struct {
	ID           string   `json:"id"`
	AbilityID    string   `json:"ability_id"`
	AbilityName  string   `json:"ability_name"`
	Executor     string   `json:"executor"`
	Platform     string   `json:"platform"`
	Command      string   `json:"command"`
	Payloads     []string `json:"payloads,omitempty"`
	Cleanup      []string `json:"cleanup,omitempty"`
	Timeout      int      `json:"timeout,omitempty"`
	Status       string   `json:"status"`
	HookFailures int      `json:"hook_failures"`
	CreatedAt    int64    `json:"created_at"`
	UpdatedAt    int64    `json:"updated_at"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("emuhub api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("emuhub api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the server at rawURL. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL, key string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, key: key}, nil
}

// SetKey replaces the API key used for subsequent requests.
func (c *Client) SetKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
}

// Key returns the API key currently in use.
func (c *Client) Key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// ListPlugins returns every discovered plugin in discovery order.
func (c *Client) ListPlugins(ctx context.Context) ([]Plugin, error) {
	var out []Plugin
	err := c.do(ctx, http.MethodGet, "/api/v1/plugins", nil, nil, &out)
	return out, err
}

// ListAbilities returns abilities in load order, optionally filtered by the
// plugin that owns them.
func (c *Client) ListAbilities(ctx context.Context, plugin string) ([]AbilitySummary, error) {
	var q url.Values
	if plugin != "" {
		q = url.Values{"plugin": {plugin}}
	}
	var out []AbilitySummary
	err := c.do(ctx, http.MethodGet, "/api/v1/abilities", q, nil, &out)
	return out, err
}

// Hooks returns the hook keys of every executor of the ability.
func (c *Client) Hooks(ctx context.Context, abilityID string) ([]ExecutorHooks, error) {
	var out []ExecutorHooks
	err := c.do(ctx, http.MethodGet, "/api/v1/abilities/"+url.PathEscape(abilityID)+"/hooks", nil, nil, &out)
	return out, err
}

// Queue runs the selected executor's hooks and hands its snapshot to the
// execution queue.
func (c *Client) Queue(ctx context.Context, abilityID string, sel Selector) (*Link, error) {
	var out Link
	if err := c.do(ctx, http.MethodPost, "/api/v1/abilities/"+url.PathEscape(abilityID)+"/queue", nil, sel, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetLink fetches a queued link by id.
func (c *Client) GetLink(ctx context.Context, id string) (*Link, error) {
	var out Link
	if err := c.do(ctx, http.MethodGet, "/api/v1/links/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListLinks returns the most recent links, newest first. limit <= 0 uses the
// server default.
func (c *Client) ListLinks(ctx context.Context, limit int) ([]Link, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out []Link
	err := c.do(ctx, http.MethodGet, "/api/v1/links", q, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := c.Key(); key != "" {
		req.Header.Set(KeyHeader, key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
