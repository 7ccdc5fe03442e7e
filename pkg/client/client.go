// Package client is a small Go client for the asistente HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when the API rejects the configured key.
var ErrUnauthorized = errors.New("asistente: unauthorized")

// Client talks to an asistente server.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   http.DefaultClient,
	}
	for _, o := range opts {
		o.apply(c)
	}
	return c
}

type chatRequest struct {
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
}

type chatResponse struct {
	Response  string `json:"response"`
	Sentiment string `json:"sentiment"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Health is the server health report.
type Health struct {
	Status     string            `json:"status"`
	Ready      bool              `json:"ready"`
	Components map[string]string `json:"components"`
}

// Chat asks a question and returns the complete answer.
func (c *Client) Chat(ctx context.Context, message, subject string) (string, error) {
	resp, err := c.post(ctx, "/api/chat", chatRequest{Message: message, Subject: subject})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return "", err
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("asistente: decode response: %w", err)
	}
	return out.Response, nil
}

// ChatStream asks a question and returns the raw token stream. The caller
// must Close the returned reader; cancelling ctx aborts the stream.
func (c *Client) ChatStream(ctx context.Context, message, subject string) (io.ReadCloser, error) {
	resp, err := c.post(ctx, "/api/chat/stream", chatRequest{Message: message, Subject: subject})
	if err != nil {
		return nil, err
	}

	if err := c.checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// HealthCheck fetches the server health report. A degraded server still
// returns a report, not an error.
func (c *Client) HealthCheck(ctx context.Context) (Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", http.NoBody)
	if err != nil {
		return Health{}, fmt.Errorf("asistente: build request: %w", err)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("asistente: health request: %w", err)
	}
	defer resp.Body.Close()

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("asistente: decode health: %w", err)
	}
	return h, nil
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("asistente: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("asistente: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asistente: request %s: %w", path, err)
	}
	return resp, nil
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}

	var apiErr errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("asistente: %s (%s)", apiErr.Message, apiErr.Code)
	}
	return fmt.Errorf("asistente: unexpected status %d", resp.StatusCode)
}
