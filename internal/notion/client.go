// Package notion implements remote.Accessor over the Notion REST API.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/marcus/csvmirror/internal/remote"
)

const (
	DefaultBaseURL = "https://api.notion.com"
	DefaultVersion = "2022-06-28"
	pageSize       = 100
)

// ErrForbidden is returned when the integration lacks access to an object.
var ErrForbidden = errors.New("forbidden: share the page with the integration")

// Client is an HTTP client for the Notion API.
type Client struct {
	BaseURL string
	Token   string
	Version string
	HTTP    *http.Client
	Logger  *slog.Logger
}

// New creates a client with default base URL and API version.
func New(token string) *Client {
	return &Client{
		BaseURL: DefaultBaseURL,
		Token:   token,
		Version: DefaultVersion,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		Logger:  slog.Default(),
	}
}

var _ remote.Accessor = (*Client)(nil)

// apiError is the error body returned by the API.
type apiError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// Unwrap lets callers classify API failures with errors.Is.
func (e *apiError) Unwrap() error {
	if e.Code == "validation_error" {
		return remote.ErrValidation
	}
	return remote.ErrServer
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Notion-Version", c.Version)

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http request: %w", remote.ErrServer, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if c.Logger != nil {
		c.Logger.Debug("notion request", "method", method, "path", path, "status", resp.StatusCode, "dur", time.Since(start))
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		msg := string(respBody)
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			msg = apiErr.Message
		}
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", remote.ErrUnauthorized, msg)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrForbidden, msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", remote.ErrNotFound, msg)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", remote.ErrRateLimited, msg)
		}
		if apiErr.Code != "" {
			return &apiErr
		}
		return fmt.Errorf("%w: HTTP %d: %s", remote.ErrServer, resp.StatusCode, msg)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
