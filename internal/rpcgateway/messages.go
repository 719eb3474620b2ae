package rpcgateway

import "github.com/hanlabs/hookd/internal/coordinator"

// HookSpecMsg is the wire shape of coordinator.HookSpec.
type HookSpecMsg struct {
	HookID           string   `json:"hook_id"`
	Plugin           string   `json:"plugin"`
	HookName         string   `json:"hook_name"`
	Directory        string   `json:"directory"`
	Command          string   `json:"command"`
	TimeoutMs        int      `json:"timeout_ms"`
	IdleTimeoutMs    int      `json:"idle_timeout_ms"`
	IfChanged        []string `json:"if_changed,omitempty"`
	EnvWhitelist     []string `json:"env_whitelist,omitempty"`
	Deferrable       bool     `json:"deferrable,omitempty"`
	FailFastOverride *bool    `json:"fail_fast_override,omitempty"`
	EffectiveConfig  any      `json:"effective_config,omitempty"`
	SessionOrProject string   `json:"session_or_project,omitempty"`
}

func (m HookSpecMsg) toSpec() coordinator.HookSpec {
	return coordinator.HookSpec{
		HookID: m.HookID, Plugin: m.Plugin, HookName: m.HookName, Directory: m.Directory,
		Command: m.Command, TimeoutMs: m.TimeoutMs, IdleTimeoutMs: m.IdleTimeoutMs,
		IfChanged: m.IfChanged, EnvWhitelist: m.EnvWhitelist, Deferrable: m.Deferrable,
		FailFastOverride: m.FailFastOverride, EffectiveConfig: m.EffectiveConfig,
		SessionOrProject: m.SessionOrProject,
	}
}

// ExecuteHooksRequest is one client->server frame of the ExecuteHooks
// bidirectional stream. A client sends exactly one request frame
// carrying the full fan-out group, then only reads; a second request
// frame on the same stream is a protocol error.
type ExecuteHooksRequest struct {
	OrchestrationID string        `json:"orchestration_id"`
	SessionID       string        `json:"session_id,omitempty"`
	Cwd             string        `json:"cwd"`
	FailFast        bool          `json:"fail_fast,omitempty"`
	Hooks           []HookSpecMsg `json:"hooks"`
}

// ExecuteHooksFrame is one server->client frame: either a line of
// output or (exactly once per hookId, last) a terminal status.
type ExecuteHooksFrame struct {
	HookID     string `json:"hook_id"`
	Stream     string `json:"stream,omitempty"` // "stdout" | "stderr"; empty on the terminal frame
	Line       string `json:"line,omitempty"`
	Complete   bool   `json:"complete,omitempty"`
	ExitCode   int    `json:"exit_code,omitempty"`
	Cached     bool   `json:"cached,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// DispatchSingleHookRequest/Response wrap ExecuteHooks for a caller
// that only ever sends one hook and wants a single unary round trip
// instead of managing a stream (e.g. a short-lived CLI invocation that
// cannot usefully demultiplex by hookId).
type DispatchSingleHookRequest struct {
	OrchestrationID string      `json:"orchestration_id"`
	SessionID       string      `json:"session_id,omitempty"`
	Cwd             string      `json:"cwd"`
	Hook            HookSpecMsg `json:"hook"`
}

type DispatchSingleHookResponse struct {
	ExitCode   int    `json:"exit_code"`
	Cached     bool   `json:"cached"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
}

// WaitForDeferredRequest/Response let a client long-poll for deferred
// hooks queued by one orchestration becoming resolvable again.
// DeferredHook.OrchestrationID is the event that queued it, not a
// session-wide scope, so a client watching across a session's multiple
// lifecycle events must call WaitForDeferred once per orchestration ID.
type WaitForDeferredRequest struct {
	OrchestrationID string `json:"orchestration_id"`
}

type DeferredHookMsg struct {
	ID              string `json:"id"`
	OrchestrationID string `json:"orchestration_id"`
	Plugin          string `json:"plugin"`
	HookName        string `json:"hook_name"`
	Directory       string `json:"directory"`
	Command         string `json:"command"`
	Status          string `json:"status"`
	LastError       string `json:"last_error,omitempty"`
}

type WaitForDeferredResponse struct {
	Hooks []DeferredHookMsg `json:"hooks"`
}

// RaiseMaxAttemptsRequest/Response implement the user-facing "let it
// try a few more times" override on a stuck AttemptCounter.
type RaiseMaxAttemptsRequest struct {
	SessionOrProject string `json:"session_or_project"`
	Plugin           string `json:"plugin"`
	HookName         string `json:"hook_name"`
	Directory        string `json:"directory"`
	Delta            int    `json:"delta"`
}

type RaiseMaxAttemptsResponse struct {
	ConsecutiveFailures int  `json:"consecutive_failures"`
	MaxAttempts         int  `json:"max_attempts"`
	IsStuck             bool `json:"is_stuck"`
}

// StartOrchestrationRequest/Response and EndOrchestrationRequest/
// Response let a CLI that wants explicit control over the
// orchestration row's lifecycle (rather than folding it into
// ExecuteHooks) announce the lifecycle event and its resolution
// separately, per §4.1's "created when the CLI announces an event"
// language.
type StartOrchestrationRequest struct {
	OrchestrationID string   `json:"orchestration_id"`
	SessionID       string   `json:"session_id,omitempty"`
	HookEvent       string   `json:"hook_event"`
	ProjectRoot     string   `json:"project_root"`
	HookIDs         []string `json:"hook_ids,omitempty"`
}

type StartOrchestrationResponse struct {
	Accepted bool `json:"accepted"`
}

type EndOrchestrationRequest struct {
	OrchestrationID string `json:"orchestration_id"`
	WorstExitCode   int    `json:"worst_exit_code"`
}

type EndOrchestrationResponse struct {
	Accepted bool `json:"accepted"`
}

type QueryOrchestrationRequest struct {
	OrchestrationID string `json:"orchestration_id"`
}

type HookInvocationMsg struct {
	ID         string `json:"id"`
	Plugin     string `json:"plugin"`
	HookName   string `json:"hook_name"`
	Directory  string `json:"directory"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type QueryOrchestrationResponse struct {
	OrchestrationID string              `json:"orchestration_id"`
	WorstExitCode   int                 `json:"worst_exit_code"`
	Ended           bool                `json:"ended"`
	Invocations     []HookInvocationMsg `json:"invocations"`
}

// AcquireSlotRequest/Response and ReleaseSlotRequest expose the
// SlotManager directly for a client that needs an exclusive directory
// lease outside of a hook run (e.g. a plugin's own multi-step
// migration script).
type AcquireSlotRequest struct {
	Directory    string `json:"directory"`
	HolderID     string `json:"holder_id"`
	LeaseSeconds int    `json:"lease_seconds"`
}

type AcquireSlotResponse struct {
	Granted  bool  `json:"granted"`
	Deadline int64 `json:"deadline_unix_ms"`
}

type ReleaseSlotRequest struct {
	Directory string `json:"directory"`
	HolderID  string `json:"holder_id"`
}

type ReleaseSlotResponse struct {
	Released bool `json:"released"`
}

type ListLeasesRequest struct {
	Directories []string `json:"directories"`
}

type LeaseStatusMsg struct {
	Directory string `json:"directory"`
	Phase     string `json:"phase"`
	Holder    string `json:"holder,omitempty"`
	Waiters   int    `json:"waiters"`
}

type ListLeasesResponse struct {
	Leases []LeaseStatusMsg `json:"leases"`
}

type PingRequest struct{}

type PingResponse struct {
	Status string `json:"status"`
}
