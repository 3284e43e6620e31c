package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/beacon.report/internal/export"
	"github.com/banshee-data/beacon.report/internal/httputil"
	"github.com/banshee-data/beacon.report/internal/registry"
)

// Client talks to a running receiver over its HTTP API.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a Client for the server at base, e.g.
// "http://localhost:8080". A nil hc uses http.DefaultClient.
func NewClient(base string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Devices lists every known device.
func (c *Client) Devices(ctx context.Context) ([]registry.Record, error) {
	var out []registry.Record
	err := c.do(ctx, http.MethodGet, "/api/devices", nil, &out)
	return out, err
}

// Annotate sets field of device id to value.
func (c *Client) Annotate(ctx context.Context, id string, field registry.Field, value string) (registry.Record, error) {
	var out registry.Record
	path := "/api/devices/" + url.PathEscape(id) + "/annotation"
	err := c.do(ctx, http.MethodPut, path, AnnotationRequest{Field: field, Value: value}, &out)
	return out, err
}

// Export triggers a CSV export on the server.
func (c *Client) Export(ctx context.Context) (export.Result, error) {
	var out export.Result
	err := c.do(ctx, http.MethodPost, "/api/export", nil, &out)
	return out, err
}

// Status fetches the server status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, httputil.MaxBodyBytes))
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
