package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	httpapi "github.com/saltfish/wfsearch/internal/api/http"
)

// Client is an HTTP client for the wfsearch API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient creates a wfsearch API client.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Code, e.Status)
}

// do performs a request and decodes a successful response into out.
func (c *Client) do(method, path, contentType string, body []byte, out any) error {
	url := c.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	c.Logger.Debug("HTTP request", zap.String("method", method), zap.String("url", url))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	c.Logger.Debug("HTTP response", zap.Int("status", resp.StatusCode), zap.ByteString("body", respBody))

	if resp.StatusCode >= 300 {
		var apiErr httpapi.ErrorResponse
		if err := json.Unmarshal(respBody, &apiErr); err != nil || apiErr.Error == "" {
			return &APIError{Status: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		}
		return &APIError{Status: resp.StatusCode, Code: apiErr.Error, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	return nil
}

// Get performs a GET request.
func (c *Client) Get(path string, out any) error {
	return c.do(http.MethodGet, path, "", nil, out)
}

// PostYAML posts a YAML document.
func (c *Client) PostYAML(path string, body []byte, out any) error {
	return c.do(http.MethodPost, path, "application/yaml", body, out)
}

// Delete performs a DELETE request.
func (c *Client) Delete(path string, out any) error {
	return c.do(http.MethodDelete, path, "", nil, out)
}
