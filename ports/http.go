package ports

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/lyzr/flowengine/fault"
)

// HTTPResponse is the transport-agnostic response shape handed back to nodes
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Data    any               `json:"data"`
}

// HTTPDoer is the HTTP port. The core never performs HTTP directly.
type HTTPDoer interface {
	Do(ctx context.Context, method, url string, headers map[string]string, body any, timeout time.Duration) (*HTTPResponse, error)
}

// HTTPClient is the default HTTPDoer backed by net/http
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient creates an HTTP port implementation with a default timeout
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		client: &http.Client{Timeout: timeout},
	}
}

// Do executes an HTTP request honoring the per-call timeout
func (c *HTTPClient) Do(ctx context.Context, method, url string, headers map[string]string, body any, timeout time.Duration) (*HTTPResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = bytes.NewReader([]byte(b))
		case []byte:
			reader = bytes.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			if err != nil {
				return nil, fault.Wrap(fault.KindValidation, err, "request body is not encodable")
			}
			reader = bytes.NewReader(raw)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, err, "failed to create request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "flowengine/1.0")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, err, "request failed: %s %s", method, url)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, err, "failed to read response")
	}

	// Parse response as JSON if possible, fall back to the raw string
	var data any
	if err := json.Unmarshal(respBody, &data); err != nil {
		data = string(respBody)
	}

	outHeaders := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		outHeaders[key] = resp.Header.Get(key)
	}

	return &HTTPResponse{
		Status:  resp.StatusCode,
		Headers: outHeaders,
		Data:    data,
	}, nil
}
