package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides the HTTP methods of a parley server.
// It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(client *Client) {
		client.httpClient.Timeout = d
	}
}

// New creates a client. baseURL is the server address, for example
// "http://localhost:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

// Health is the response of the health endpoint.
type Health struct {
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	ProtocolEnabled bool   `json:"protocol_enabled"`
	Conversations   int    `json:"conversations"`
	Connections     int    `json:"connections"`
}

// ConversationInfo summarizes a stored conversation.
type ConversationInfo struct {
	ID         string    `json:"id"`
	Agent      string    `json:"agent,omitempty"`
	State      string    `json:"state"`
	Archived   bool      `json:"archived,omitempty"`
	LastTurnID int64     `json:"last_turn_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Health queries the server health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/api/health", &h); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &h, nil
}

// ListConversations returns every stored conversation.
func (c *Client) ListConversations(ctx context.Context) ([]ConversationInfo, error) {
	var convs []ConversationInfo
	if err := c.get(ctx, "/api/conversations", &convs); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convs, nil
}

// Archive archives a conversation.
func (c *Client) Archive(ctx context.Context, conversationID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/conversations/"+url.PathEscape(conversationID)+"/archive", nil)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("archive: status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// wsURL converts the http(s) base URL into the conversation endpoint URL.
func wsURL(baseURL, conversationID string, query url.Values) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/conversations/" + url.PathEscape(conversationID) + "/ws"
	u.RawQuery = query.Encode()
	return u.String(), nil
}
