// Package mgmt defines the management surface of the agent: a small status,
// health and leave API served next to the Prometheus metrics, with HTTP/JSON
// and gRPC transports in subpackages.
package mgmt

import "context"

// StatusFunc returns a JSON-encoded agent status payload.
// Using []byte avoids import cycles on agent types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// LeaveFunc requests an administrative leave: the agent exits the group
// gracefully, exactly as it would on SIGTERM.
type LeaveFunc func(ctx context.Context) error

// LeaveResponse reports whether the leave request was accepted.
type LeaveResponse struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Server exposes the management endpoints.
type Server interface {
	Start(ctx context.Context, status StatusFunc, leave LeaveFunc) error
	Addr() string
	Stop(ctx context.Context) error
}

// Client performs management calls against a node's endpoint using the
// chosen protocol (HTTP/JSON or gRPC JSON codec).
type Client interface {
	GetStatus(ctx context.Context, addr string) ([]byte, error)
	PostLeave(ctx context.Context, addr string) (LeaveResponse, error)
}
