package grpc

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGRPCStatusAndLeaveRoundTrip(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"group":"pgsql_group"}`)
	err := s.Start(ctx,
		func(context.Context) ([]byte, error) { return payload, nil },
		func(context.Context) error { return nil },
	)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = s.Stop(sctx)
	}()

	c := NewClient(3 * time.Second)
	data, err := c.GetStatus(context.Background(), s.Addr())
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("status = %s", data)
	}

	resp, err := c.PostLeave(context.Background(), s.Addr())
	if err != nil {
		t.Fatalf("leave: %v", err)
	}
	if !resp.Accepted {
		t.Fatalf("leave not accepted: %+v", resp)
	}
}

func TestGRPCLeaveErrorReported(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := s.Start(ctx,
		func(context.Context) ([]byte, error) { return []byte("{}"), nil },
		func(context.Context) error { return errors.New("shutdown already in progress") },
	)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = s.Stop(sctx)
	}()

	c := NewClient(3 * time.Second)
	resp, err := c.PostLeave(context.Background(), s.Addr())
	if err != nil {
		t.Fatalf("leave call: %v", err)
	}
	if resp.Accepted || resp.Error == "" {
		t.Fatalf("leave error not surfaced: %+v", resp)
	}
}
