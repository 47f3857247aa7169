package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient is a wrapper around the standard http client with retries and
// JSON helpers
type HTTPClient struct {
	client         *http.Client
	baseURL        string
	defaultHeaders map[string]string
	maxRetries     int
	retryDelay     time.Duration
}

// HTTPClientOption is a function that configures the HTTPClient
type HTTPClientOption func(*HTTPClient)

// WithTimeout sets the timeout for the HTTP client
func WithTimeout(timeout time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		c.client.Timeout = timeout
	}
}

// WithBaseURL sets the base URL for the HTTP client
func WithBaseURL(baseURL string) HTTPClientOption {
	return func(c *HTTPClient) {
		c.baseURL = baseURL
	}
}

// WithDefaultHeaders sets default headers for the HTTP client
func WithDefaultHeaders(headers map[string]string) HTTPClientOption {
	return func(c *HTTPClient) {
		for k, v := range headers {
			c.defaultHeaders[k] = v
		}
	}
}

// WithRetries configures retry behavior
func WithRetries(maxRetries int, retryDelay time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		c.maxRetries = maxRetries
		c.retryDelay = retryDelay
	}
}

// NewHTTPClient creates a new HTTPClient with the given options
func NewHTTPClient(options ...HTTPClientOption) *HTTPClient {
	client := &HTTPClient{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
		maxRetries: 2,
		retryDelay: 500 * time.Millisecond,
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Error represents an HTTP error
type Error struct {
	StatusCode int
	Message    string
	Response   *Response
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Message)
}

// Get performs a GET request against path with optional query parameters
func (c *HTTPClient) Get(ctx context.Context, path string, queryParams map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, queryParams, nil)
}

// Post performs a POST request with a JSON-encoded body
func (c *HTTPClient) Post(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, nil, body)
}

// Patch performs a PATCH request with a JSON-encoded body
func (c *HTTPClient) Patch(ctx context.Context, path string, body interface{}) (*Response, error) {
	return c.do(ctx, http.MethodPatch, path, nil, body)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, queryParams map[string]string, body interface{}) (*Response, error) {
	target := path
	if c.baseURL != "" {
		target = c.baseURL + target
	}

	if len(queryParams) > 0 {
		values := url.Values{}
		for k, v := range queryParams {
			values.Set(k, v)
		}
		target += "?" + values.Encode()
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	var resp *http.Response
	var respBody []byte
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for k, v := range c.defaultHeaders {
			req.Header.Set(k, v)
		}

		resp, err = c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		// Retry server-side failures, return everything else
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("request failed with status code %d", resp.StatusCode)
			continue
		}

		lastErr = nil
		break
	}

	if lastErr != nil {
		return nil, fmt.Errorf("failed after %d retries: %w", c.maxRetries, lastErr)
	}

	response := &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       respBody,
	}

	if resp.StatusCode >= 400 {
		return response, &Error{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("request failed with status code %d", resp.StatusCode),
			Response:   response,
		}
	}

	return response, nil
}

// DecodeJSON decodes the response body into the target
func (r *Response) DecodeJSON(target interface{}) error {
	if r.Body == nil {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Body, target)
}

// IsSuccess returns true if the status code is between 200 and 299
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}
