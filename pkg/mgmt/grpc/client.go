package grpc

import (
	"context"
	"crypto/tls"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/pgha/cpgagent/pkg/mgmt"
)

// Client implements mgmt.Client over gRPC with the JSON codec.
type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS sets the TLS config used when dialing.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.DialContext(ctx, target, opts...)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, err := c.dial(cctx, addr)
	if err != nil {
		return nil, err
	}
	defer cc.Close()
	out := new(statusBlob)
	if err := cc.Invoke(cctx, "/cpgagent.v1.Management/GetStatus", &empty{}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) PostLeave(ctx context.Context, addr string) (mgmt.LeaveResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var resp mgmt.LeaveResponse
	cc, err := c.dial(cctx, addr)
	if err != nil {
		return resp, err
	}
	defer cc.Close()
	if err := cc.Invoke(cctx, "/cpgagent.v1.Management/Leave", &empty{}, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

var _ mgmt.Client = (*Client)(nil)
