// Package client calls a chihaya-ai server's Auth Gateway and Chat Relay.
package client

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

	"github.com/wuwenbin0122/chihaya-ai/internal/auth"
	"github.com/wuwenbin0122/chihaya-ai/internal/models"
)

const (
	defaultTimeout = 35 * time.Second
	historyPath    = "/api/chat/history"
)

var ErrRelayFailure = errors.New("client: chat relay failed")

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
	Details string
	kind    error
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("server error (%d): %s: %s", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// LoginResult is the server's answer to a successful login.
type LoginResult struct {
	User      models.User `json:"user"`
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SetToken makes later requests carry the bearer token from a login.
func (c *Client) SetToken(token string) {
	c.token = strings.TrimSpace(token)
}

func (c *Client) Register(ctx context.Context, username, password string) (*models.User, error) {
	var resp struct {
		OK   bool        `json:"ok"`
		User models.User `json:"user"`
	}
	err := c.post(ctx, "/api/register", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.User, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var resp struct {
		OK bool `json:"ok"`
		LoginResult
	}
	err := c.post(ctx, "/api/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.LoginResult, nil
}

// Complete sends the newest user message to the server's relay.
func (c *Client) Complete(ctx context.Context, username, text string) (string, error) {
	var resp struct {
		Reply string `json:"reply"`
	}
	err := c.post(ctx, "/api/chat", map[string]string{
		"username": username,
		"message":  text,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Reply, nil
}

// History fetches the user's newest relayed messages, oldest first.
func (c *Client) History(ctx context.Context, username string, limit int) ([]models.Message, error) {
	query := url.Values{}
	query.Set("username", username)
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	req, err := c.newRequest(ctx, http.MethodGet, historyPath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Messages []models.Message `json:"messages"`
	}
	if err := c.do(req, historyPath, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path, out)
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, path string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(path, resp.StatusCode, raw)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(path string, status int, raw []byte) error {
	var payload struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	_ = json.Unmarshal(raw, &payload)

	apiErr := &APIError{
		Status:  status,
		Message: payload.Error,
		Details: payload.Details,
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(raw))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}

	switch {
	case path == "/api/chat":
		apiErr.kind = ErrRelayFailure
	case status == http.StatusConflict:
		apiErr.kind = auth.ErrUserExists
	case status == http.StatusUnauthorized:
		apiErr.kind = auth.ErrInvalidCredentials
	}

	return apiErr
}
