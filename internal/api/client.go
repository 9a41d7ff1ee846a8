package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"metricsq/internal/model"
)

// DefaultTimeout bounds every request made by a Client.
const DefaultTimeout = 10 * time.Second

// maxResponseBody caps how much of a response body is kept for diagnostics.
const maxResponseBody = 64 << 10

// Client is a thin HTTP client for the collector API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
// A non-positive timeout selects DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: NormalizeBaseURL(baseURL),
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// NormalizeBaseURL adds an http:// scheme to bare host:port values.
func NormalizeBaseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

// Close releases idle connections held by the client.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// PostJSON posts an already encoded JSON body. A non-nil error means no HTTP
// response was obtained; *ConnectionError marks network-level failures.
// Any status code, including 4xx/5xx, is reported through Response.
func (c *Client) PostJSON(ctx context.Context, path string, body []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// SubmitSnapshot encodes and posts one snapshot.
func (c *Client) SubmitSnapshot(ctx context.Context, path string, snap model.Snapshot) (Response, error) {
	payload, err := json.Marshal(snap.Payload())
	if err != nil {
		return Response{}, err
	}
	return c.PostJSON(ctx, path, payload)
}

// State fetches the current toggle value.
func (c *Client) State(ctx context.Context, path string) (State, error) {
	var out State
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return out, err
	}
	resp, err := c.do(req)
	if err != nil {
		return out, err
	}
	if !resp.OK() {
		return out, resp.Err()
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return out, fmt.Errorf("decode state: %w", err)
	}
	return out, nil
}

// SetState changes the toggle value on collectors that allow it.
func (c *Client) SetState(ctx context.Context, path string, value any) error {
	payload, err := json.Marshal(SetStateRequest{Value: value})
	if err != nil {
		return err
	}
	resp, err := c.PostJSON(ctx, path, payload)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return resp.Err()
	}
	return nil
}

func (c *Client) do(req *http.Request) (Response, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return Response{}, &ConnectionError{Method: req.Method, URL: req.URL.String(), Err: err}
	}
	defer res.Body.Close()

	// A short read still leaves a usable status code.
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	return Response{StatusCode: res.StatusCode, Status: res.Status, Body: body, BodyErr: err}, nil
}
