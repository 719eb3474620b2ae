package coordinator

import "github.com/hanlabs/hookd/internal/hookrunner"

// HookSpec is one hook the caller wants executed, resolved from the
// plugin configuration file (spec §6) or carried explicitly on an
// ExecuteHooks request.
type HookSpec struct {
	HookID           string // demux key on the output stream; caller-assigned or derived
	Plugin           string
	HookName         string
	Directory        string
	Command          string
	TimeoutMs        int
	IdleTimeoutMs    int
	IfChanged        []string
	EnvWhitelist     []string
	Deferrable       bool
	FailFastOverride *bool
	EffectiveConfig  any
	SessionOrProject string // AttemptCounter scope; defaults to Directory if empty
}

// OrchestrationRequest is one ExecuteHooks call's full fan-out group.
type OrchestrationRequest struct {
	OrchestrationID string
	SessionID       string
	Cwd             string
	FailFast        bool
	Hooks           []HookSpec
}

// OutputFrame is one multiplexed frame of an orchestration's output
// stream, tagged with the HookID it belongs to so RpcGateway can
// demultiplex per spec §4.6.
type OutputFrame struct {
	HookID     string
	Kind       hookrunner.FrameKind
	Line       string
	ExitCode   int
	Cached     bool
	DurationMs int64
	Error      string
}

// Sink receives every OutputFrame an orchestration produces, in
// per-HookID order; ordering across distinct HookIDs is not
// guaranteed (spec §4.6).
type Sink func(OutputFrame)
