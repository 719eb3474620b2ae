package rpcgateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanlabs/hookd/internal/coordinator"
	"github.com/hanlabs/hookd/internal/domain"
	"github.com/hanlabs/hookd/internal/hookrunner"
	"github.com/hanlabs/hookd/internal/logging"
	"github.com/hanlabs/hookd/internal/slot"
	"github.com/hanlabs/hookd/internal/store"
)

// serviceName is the fully-qualified gRPC service name the hand-written
// ServiceDesc registers, in place of a protoc-generated one.
const serviceName = "hookd.v1.Hooks"

// deferredPollInterval bounds how often WaitForDeferred re-checks the
// store while long-polling, since there is no event bus keyed on
// "a deferred hook's retry is now due."
const deferredPollInterval = 500 * time.Millisecond

// Gateway implements every handler the ServiceDesc below wires up. It
// holds no gRPC-specific state itself; Server owns the *grpc.Server.
type Gateway struct {
	coord *coordinator.Coordinator
	store store.Store
	slots *slot.Manager
}

// NewGateway constructs a Gateway over an already-running Coordinator.
func NewGateway(coord *coordinator.Coordinator, st store.Store, slots *slot.Manager) *Gateway {
	return &Gateway{coord: coord, store: st, slots: slots}
}

// executeHooksHandler backs the streaming "ExecuteHooks" method:
// receives exactly one ExecuteHooksRequest, then forwards the
// coordinator's output frames (demultiplexed by hookId, per §4.6)
// until every hook has resolved or the client cancels the stream.
func (g *Gateway) executeHooksHandler(stream grpc.ServerStream) error {
	var req ExecuteHooksRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}

	specs := make([]coordinator.HookSpec, len(req.Hooks))
	for i, h := range req.Hooks {
		specs[i] = h.toSpec()
	}

	sink := func(f coordinator.OutputFrame) {
		frame := ExecuteHooksFrame{HookID: f.HookID}
		switch f.Kind {
		case hookrunner.FrameStdout:
			frame.Stream, frame.Line = "stdout", f.Line
		case hookrunner.FrameStderr:
			frame.Stream, frame.Line = "stderr", f.Line
		case hookrunner.FrameComplete:
			frame.Complete = true
			frame.ExitCode, frame.Cached, frame.DurationMs, frame.Error = f.ExitCode, f.Cached, f.DurationMs, f.Error
		}
		// SendMsg errors (most often a cancelled client) are logged,
		// not returned: a slow-consumer disconnect tears down via the
		// stream context the coordinator is already watching, not via
		// this callback's return value.
		if err := stream.SendMsg(&frame); err != nil {
			logging.Op().Warn("execute hooks: send frame failed", "hook_id", f.HookID, "error", err)
		}
	}

	_, err := g.coord.ExecuteOrchestration(stream.Context(), coordinator.OrchestrationRequest{
		OrchestrationID: req.OrchestrationID,
		SessionID:       req.SessionID,
		Cwd:             req.Cwd,
		FailFast:        req.FailFast,
		Hooks:           specs,
	}, sink)
	if err != nil {
		return status.Errorf(codes.Internal, "execute hooks: %v", err)
	}
	return nil
}

// DispatchSingleHook runs exactly one hook to completion and returns
// its buffered output, for callers that do not want to manage a
// stream for a single-hook dispatch.
func (g *Gateway) DispatchSingleHook(ctx context.Context, req *DispatchSingleHookRequest) (*DispatchSingleHookResponse, error) {
	var stdout, stderr strings.Builder
	resp := &DispatchSingleHookResponse{}

	_, err := g.coord.ExecuteOrchestration(ctx, coordinator.OrchestrationRequest{
		OrchestrationID: req.OrchestrationID,
		SessionID:       req.SessionID,
		Cwd:             req.Cwd,
		Hooks:           []coordinator.HookSpec{req.Hook.toSpec()},
	}, func(f coordinator.OutputFrame) {
		switch f.Kind {
		case hookrunner.FrameStdout:
			stdout.WriteString(f.Line)
			stdout.WriteByte('\n')
		case hookrunner.FrameStderr:
			stderr.WriteString(f.Line)
			stderr.WriteByte('\n')
		case hookrunner.FrameComplete:
			resp.ExitCode, resp.Cached, resp.DurationMs, resp.Error = f.ExitCode, f.Cached, f.DurationMs, f.Error
		}
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "dispatch single hook: %v", err)
	}
	resp.Stdout, resp.Stderr = stdout.String(), stderr.String()
	return resp, nil
}

// WaitForDeferred long-polls the deferred queue for req.OrchestrationID
// until it is non-empty or the client's deadline expires.
func (g *Gateway) WaitForDeferred(ctx context.Context, req *WaitForDeferredRequest) (*WaitForDeferredResponse, error) {
	ticker := time.NewTicker(deferredPollInterval)
	defer ticker.Stop()

	for {
		rows, err := g.store.DeferredList(ctx, req.OrchestrationID)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "wait for deferred: %v", err)
		}
		if len(rows) > 0 {
			return &WaitForDeferredResponse{Hooks: toDeferredMsgs(rows)}, nil
		}
		select {
		case <-ctx.Done():
			return &WaitForDeferredResponse{}, nil
		case <-ticker.C:
		}
	}
}

func toDeferredMsgs(rows []*domain.DeferredHook) []DeferredHookMsg {
	out := make([]DeferredHookMsg, len(rows))
	for i, r := range rows {
		out[i] = DeferredHookMsg{
			ID: r.ID, OrchestrationID: r.OrchestrationID, Plugin: r.Plugin, HookName: r.HookName,
			Directory: r.Directory, Command: r.Command, Status: string(r.Status), LastError: r.LastError,
		}
	}
	return out
}

// RaiseMaxAttempts lets an operator unstick a hook whose AttemptCounter
// has saturated without waiting for a fresh invocation to reset it.
func (g *Gateway) RaiseMaxAttempts(ctx context.Context, req *RaiseMaxAttemptsRequest) (*RaiseMaxAttemptsResponse, error) {
	key := domain.AttemptKey{SessionOrProject: req.SessionOrProject, Plugin: req.Plugin, HookName: req.HookName, Directory: req.Directory}
	counter, err := g.store.AttemptsRaiseMax(ctx, key, req.Delta)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "raise max attempts: %v", err)
	}
	return &RaiseMaxAttemptsResponse{
		ConsecutiveFailures: counter.ConsecutiveFailures, MaxAttempts: counter.MaxAttempts, IsStuck: counter.IsStuck,
	}, nil
}

// StartOrchestration records the orchestration row ahead of an
// ExecuteHooks call for a client that wants to announce the lifecycle
// event and its hook set before streaming.
func (g *Gateway) StartOrchestration(ctx context.Context, req *StartOrchestrationRequest) (*StartOrchestrationResponse, error) {
	event := domain.HookEvent(req.HookEvent)
	if !domain.IsValidHookEvent(event) {
		return nil, status.Errorf(codes.InvalidArgument, "unknown hook event %q", req.HookEvent)
	}
	if err := g.store.RecordOrchestration(ctx, &domain.Orchestration{
		ID: req.OrchestrationID, SessionID: req.SessionID, HookEvent: event,
		ProjectRoot: req.ProjectRoot, StartedAt: time.Now(),
	}); err != nil {
		return nil, status.Errorf(codes.Internal, "start orchestration: %v", err)
	}
	if err := g.store.RecordEvent(ctx, &domain.HookEventRecord{
		OrchestrationID: req.OrchestrationID, Event: event, SessionID: req.SessionID,
		Cwd: req.ProjectRoot, HookIDs: req.HookIDs, RecordedAt: time.Now(),
	}); err != nil {
		logging.Op().Warn("start orchestration: record event failed", "orchestration", req.OrchestrationID, "error", err)
	}
	return &StartOrchestrationResponse{Accepted: true}, nil
}

// EndOrchestration marks an orchestration row terminal for a client
// driving its lifecycle outside of ExecuteHooks.
func (g *Gateway) EndOrchestration(ctx context.Context, req *EndOrchestrationRequest) (*EndOrchestrationResponse, error) {
	orch, _, err := g.store.QueryOrchestration(ctx, req.OrchestrationID)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "end orchestration: %v", err)
	}
	ended := time.Now()
	orch.EndedAt = &ended
	orch.WorstExitCode = req.WorstExitCode
	if err := g.store.UpdateOrchestration(ctx, orch); err != nil {
		return nil, status.Errorf(codes.Internal, "end orchestration: %v", err)
	}
	return &EndOrchestrationResponse{Accepted: true}, nil
}

// QueryOrchestration reports an orchestration's current state and
// every invocation recorded under it.
func (g *Gateway) QueryOrchestration(ctx context.Context, req *QueryOrchestrationRequest) (*QueryOrchestrationResponse, error) {
	orch, invs, err := g.store.QueryOrchestration(ctx, req.OrchestrationID)
	if err != nil {
		return nil, status.Errorf(codes.NotFound, "query orchestration: %v", err)
	}
	resp := &QueryOrchestrationResponse{
		OrchestrationID: orch.ID, WorstExitCode: orch.WorstExitCode, Ended: orch.EndedAt != nil,
		Invocations: make([]HookInvocationMsg, len(invs)),
	}
	for i, inv := range invs {
		resp.Invocations[i] = HookInvocationMsg{
			ID: inv.ID, Plugin: inv.Plugin, HookName: inv.HookName, Directory: inv.Directory,
			Status: string(inv.Status), ExitCode: inv.ExitCode, DurationMs: inv.DurationMs, Error: inv.Error,
		}
	}
	return resp, nil
}

// AcquireSlot grants a directory lease outside of a coordinator-driven
// hook run.
func (g *Gateway) AcquireSlot(ctx context.Context, req *AcquireSlotRequest) (*AcquireSlotResponse, error) {
	leaseDuration := time.Duration(req.LeaseSeconds) * time.Second
	if leaseDuration <= 0 {
		leaseDuration = 30 * time.Second
	}
	lease, err := g.slots.Acquire(ctx, req.Directory, req.HolderID, leaseDuration)
	if err != nil {
		return &AcquireSlotResponse{Granted: false}, nil
	}
	return &AcquireSlotResponse{Granted: true, Deadline: lease.Deadline.UnixMilli()}, nil
}

// ReleaseSlot releases a lease acquired via AcquireSlot.
func (g *Gateway) ReleaseSlot(ctx context.Context, req *ReleaseSlotRequest) (*ReleaseSlotResponse, error) {
	if err := g.slots.Release(req.Directory, req.HolderID); err != nil {
		return &ReleaseSlotResponse{Released: false}, nil
	}
	return &ReleaseSlotResponse{Released: true}, nil
}

// ListLeases reports the current phase/holder/waiters for each
// requested directory.
func (g *Gateway) ListLeases(ctx context.Context, req *ListLeasesRequest) (*ListLeasesResponse, error) {
	resp := &ListLeasesResponse{Leases: make([]LeaseStatusMsg, len(req.Directories))}
	for i, dir := range req.Directories {
		st := g.slots.Status(dir)
		resp.Leases[i] = LeaseStatusMsg{Directory: dir, Phase: string(phaseName(st.Phase)), Holder: st.Holder, Waiters: st.Waiters}
	}
	return resp, nil
}

func phaseName(p slot.Phase) string {
	switch p {
	case slot.PhaseFree:
		return "free"
	case slot.PhaseHeld:
		return "held"
	case slot.PhaseDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Ping answers the Health group's liveness probe.
func (g *Gateway) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	if err := g.store.Ping(ctx); err != nil {
		return &PingResponse{Status: "degraded"}, nil
	}
	return &PingResponse{Status: "ok"}, nil
}

// unaryHandler adapts one of Gateway's Go methods to the
// grpc.MethodDesc.Handler signature the hand-written ServiceDesc
// below needs, decoding the request with the registered codec and
// running it through the usual unary interceptor chain.
func unaryHandler[Req any, Resp any](fn func(*Gateway, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		g, ok := srv.(*Gateway)
		if !ok {
			return nil, status.Errorf(codes.Internal, "rpcgateway: unexpected server type %T", srv)
		}
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(g, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fmt.Sprintf("/%s/unary", serviceName)}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(g, ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// ServiceDesc is the hand-written registration table standing in for
// a protoc-generated one (§4.6 expansion): one streaming method for
// ExecuteHooks, plain unary methods for everything else.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "DispatchSingleHook", Handler: unaryHandler((*Gateway).DispatchSingleHook)},
		{MethodName: "WaitForDeferred", Handler: unaryHandler((*Gateway).WaitForDeferred)},
		{MethodName: "RaiseMaxAttempts", Handler: unaryHandler((*Gateway).RaiseMaxAttempts)},
		{MethodName: "StartOrchestration", Handler: unaryHandler((*Gateway).StartOrchestration)},
		{MethodName: "EndOrchestration", Handler: unaryHandler((*Gateway).EndOrchestration)},
		{MethodName: "QueryOrchestration", Handler: unaryHandler((*Gateway).QueryOrchestration)},
		{MethodName: "AcquireSlot", Handler: unaryHandler((*Gateway).AcquireSlot)},
		{MethodName: "ReleaseSlot", Handler: unaryHandler((*Gateway).ReleaseSlot)},
		{MethodName: "ListLeases", Handler: unaryHandler((*Gateway).ListLeases)},
		{MethodName: "Ping", Handler: unaryHandler((*Gateway).Ping)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ExecuteHooks",
			Handler:       executeHooksStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "hookd/rpcgateway.proto",
}

func executeHooksStreamHandler(srv any, stream grpc.ServerStream) error {
	g, ok := srv.(*Gateway)
	if !ok {
		return status.Errorf(codes.Internal, "rpcgateway: unexpected server type %T", srv)
	}
	return g.executeHooksHandler(stream)
}
