package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pgha/cpgagent/pkg/mgmt"
)

// Client is a thin HTTP client for the management API with optional TLS and
// simple retry with backoff.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

func (c *Client) scheme() string {
	if c.isTLS {
		return "https"
	}
	return "http"
}

// GetStatus fetches the JSON status payload of the node at addr.
func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	url := fmt.Sprintf("%s://%s/status", c.scheme(), addr)
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, rerr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
			} else if rerr != nil {
				lastErr = rerr
			} else {
				return body, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return nil, lastErr
}

// PostLeave asks the node at addr to leave the group gracefully.
func (c *Client) PostLeave(ctx context.Context, addr string) (mgmt.LeaveResponse, error) {
	var out mgmt.LeaveResponse
	url := fmt.Sprintf("%s://%s/leave", c.scheme(), addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return out, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

var _ mgmt.Client = (*Client)(nil)
