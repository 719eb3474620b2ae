package rpcgateway

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin wrapper over a *grpc.ClientConn dialed against the
// hand-written ServiceDesc, for callers (hookctl) that have no
// generated stub to import.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr using the hookd-json codec in place of the
// usual protobuf one.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("rpcgateway: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, fullMethod(method), req, resp)
}

func (c *Client) DispatchSingleHook(ctx context.Context, req *DispatchSingleHookRequest) (*DispatchSingleHookResponse, error) {
	resp := new(DispatchSingleHookResponse)
	if err := c.invoke(ctx, "DispatchSingleHook", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) WaitForDeferred(ctx context.Context, req *WaitForDeferredRequest) (*WaitForDeferredResponse, error) {
	resp := new(WaitForDeferredResponse)
	if err := c.invoke(ctx, "WaitForDeferred", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) RaiseMaxAttempts(ctx context.Context, req *RaiseMaxAttemptsRequest) (*RaiseMaxAttemptsResponse, error) {
	resp := new(RaiseMaxAttemptsResponse)
	if err := c.invoke(ctx, "RaiseMaxAttempts", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) StartOrchestration(ctx context.Context, req *StartOrchestrationRequest) (*StartOrchestrationResponse, error) {
	resp := new(StartOrchestrationResponse)
	if err := c.invoke(ctx, "StartOrchestration", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) EndOrchestration(ctx context.Context, req *EndOrchestrationRequest) (*EndOrchestrationResponse, error) {
	resp := new(EndOrchestrationResponse)
	if err := c.invoke(ctx, "EndOrchestration", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) QueryOrchestration(ctx context.Context, req *QueryOrchestrationRequest) (*QueryOrchestrationResponse, error) {
	resp := new(QueryOrchestrationResponse)
	if err := c.invoke(ctx, "QueryOrchestration", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) AcquireSlot(ctx context.Context, req *AcquireSlotRequest) (*AcquireSlotResponse, error) {
	resp := new(AcquireSlotResponse)
	if err := c.invoke(ctx, "AcquireSlot", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ReleaseSlot(ctx context.Context, req *ReleaseSlotRequest) (*ReleaseSlotResponse, error) {
	resp := new(ReleaseSlotResponse)
	if err := c.invoke(ctx, "ReleaseSlot", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListLeases(ctx context.Context, req *ListLeasesRequest) (*ListLeasesResponse, error) {
	resp := new(ListLeasesResponse)
	if err := c.invoke(ctx, "ListLeases", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	resp := new(PingResponse)
	if err := c.invoke(ctx, "Ping", &PingRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ExecuteHooks opens the bidi stream, sends the single request frame,
// and forwards every server frame to onFrame until the stream closes.
func (c *Client) ExecuteHooks(ctx context.Context, req *ExecuteHooksRequest, onFrame func(*ExecuteHooksFrame)) error {
	desc := &grpc.StreamDesc{StreamName: "ExecuteHooks", ServerStreams: true, ClientStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, fullMethod("ExecuteHooks"))
	if err != nil {
		return fmt.Errorf("rpcgateway: open stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return fmt.Errorf("rpcgateway: send request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("rpcgateway: close send: %w", err)
	}
	for {
		frame := new(ExecuteHooksFrame)
		if err := stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		onFrame(frame)
	}
}
