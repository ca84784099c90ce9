package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Client calls a running daemon.
type Client struct {
	url    string
	http   *http.Client
	nextID atomic.Int64
}

// NewClient returns a client for the daemon at addr. addr may be a host:port
// or a base URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		url:  base + "/api/rpc",
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// URL is the endpoint the client posts to.
func (c *Client) URL() string { return c.url }

// Call invokes method with params and decodes the result into result, which
// may be nil. Method failures are returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	req := Request{JSONRPC: Version, Method: method, ID: json.RawMessage(strconv.FormatInt(id, 10))}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = b
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.url, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("unexpected response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if string(resp.ID) != string(req.ID) {
		return fmt.Errorf("response id %s does not match request id %s", resp.ID, req.ID)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
