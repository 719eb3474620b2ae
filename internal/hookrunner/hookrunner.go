// Package hookrunner spawns one hook command as a child process and
// converts its byte stream into a structured, strictly-ordered
// sequence of output frames. It generalizes the teacher's VM-process
// lifecycle (internal/firecracker.Manager: exec.Command with
// Setpgid:true so the whole process tree can be reaped together, a
// socket-wait loop, a liveness probe via Signal(0)) from "one
// Firecracker binary per VM" down to "one hook command per
// invocation," and replaces vsock RPC with direct stdout/stderr
// framing since a hook is a plain host process, not a guest agent.
package hookrunner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// killGrace is the pause between a terminate signal and the follow-up
// kill signal, per the spec's 500ms grace window.
const killGrace = 500 * time.Millisecond

// FrameKind discriminates the union type Run streams back.
type FrameKind int

const (
	FrameStdout FrameKind = iota
	FrameStderr
	FrameComplete
)

// Frame is one element of the output sequence Run produces. Exactly
// one FrameComplete is emitted, always last.
type Frame struct {
	Kind FrameKind
	Line string // set for FrameStdout/FrameStderr

	// Set only on FrameComplete.
	ExitCode   int
	Cached     bool // always false; Run never serves a cache hit
	DurationMs int64
	Error      string // "idle_timeout" | "wall_timeout" | "cancel" | "" on a clean exit
}

// Request is one hook invocation's inputs.
type Request struct {
	Command       string
	WorkingDir    string
	Env           []string // "KEY=VALUE" pairs; the whitelist is already applied by the caller
	IdleTimeout   time.Duration
	WallTimeout   time.Duration
	StdinPayload  []byte // optional; written in full then closed
}

// Run spawns Command as a child process in its own process group and
// streams output frames to out until the child exits, is terminated
// for idle or wall timeout, or ctx is cancelled. Run blocks until the
// child has fully exited; out is never written to concurrently with
// Run's return.
func Run(ctx context.Context, req Request, out chan<- Frame) error {
	defer close(out)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", req.Command)
	cmd.Dir = req.WorkingDir
	cmd.Env = req.Env
	cmd.SysProcAttr = processGroupAttr()
	// ctx cancellation would otherwise only signal the shell, leaving
	// grandchildren behind; Run does its own group-kill instead via
	// the idle/wall timers, so detach CommandContext's default kill.
	cmd.Cancel = func() error { return nil }

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	var stdin io.WriteCloser
	if req.StdinPayload != nil {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		out <- Frame{Kind: FrameComplete, ExitCode: 1, DurationMs: 0, Error: err.Error()}
		return nil
	}

	if stdin != nil {
		payload := req.StdinPayload
		go func() {
			defer stdin.Close()
			_, _ = stdin.Write(payload)
		}()
	}

	activity := make(chan struct{}, 1)
	signalActivity := func() {
		select {
		case activity <- struct{}{}:
		default:
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(stdoutPipe, FrameStdout, out, signalActivity, &wg)
	go streamLines(stderrPipe, FrameStderr, out, signalActivity, &wg)

	done := make(chan error, 1)
	go func() {
		wg.Wait() // both pipes closed (EOF) before Wait can reap the child
		done <- cmd.Wait()
	}()

	timeoutErr := watchTimeouts(ctx, cmd, activity, done, req.IdleTimeout, req.WallTimeout)

	var waitErr error
	select {
	case waitErr = <-done:
	case <-time.After(2 * time.Second):
		// cmd.Wait should already have returned by the time
		// watchTimeouts unblocks; this only guards against a
		// pathological child that ignores SIGKILL (e.g. uninterruptible
		// I/O), so Run still returns instead of hanging forever.
	}

	exitCode, reportedErr := resolveOutcome(waitErr, timeoutErr)
	out <- Frame{
		Kind:       FrameComplete,
		ExitCode:   exitCode,
		DurationMs: time.Since(start).Milliseconds(),
		Error:      reportedErr,
	}
	return nil
}

// streamLines reads lines (LF- or CRLF-delimited) from r and emits one
// Frame per line, flushing any partial trailing line at EOF.
func streamLines(r io.Reader, kind FrameKind, out chan<- Frame, onActivity func(), wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		onActivity()
		line := strings.TrimSuffix(scanner.Text(), "\r")
		out <- Frame{Kind: kind, Line: line}
	}
}

// watchTimeouts enforces the idle and wall timeout budgets, sending a
// terminate-then-kill sequence to the whole process group when either
// fires. It returns the category that ended the wait: "idle_timeout",
// "wall_timeout", "cancel" if ctx was cancelled out from under it (a
// fail-fast sibling kill or an RPC client disconnect), or "" once done
// closes on its own.
func watchTimeouts(ctx context.Context, cmd *exec.Cmd, activity <-chan struct{}, done <-chan error, idle, wall time.Duration) string {
	var wallC <-chan time.Time
	if wall > 0 {
		wallTimer := time.NewTimer(wall)
		defer wallTimer.Stop()
		wallC = wallTimer.C
	}

	var idleTimer *time.Timer
	var idleC <-chan time.Time
	if idle > 0 {
		idleTimer = time.NewTimer(idle)
		defer idleTimer.Stop()
		idleC = idleTimer.C
	}

	for {
		select {
		case <-done:
			return ""
		case <-ctx.Done():
			killProcessGroup(cmd)
			return "cancel"
		case <-wallC:
			killProcessGroup(cmd)
			return "wall_timeout"
		case <-idleC:
			killProcessGroup(cmd)
			return "idle_timeout"
		case <-activity:
			if idleTimer != nil {
				if !idleTimer.Stop() {
					<-idleTimer.C
				}
				idleTimer.Reset(idle)
			}
		}
	}
}

// killProcessGroup sends SIGTERM to the child's process group, then
// SIGKILL after killGrace if it hasn't exited, so forked grandchildren
// are reaped along with the direct child.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)
	time.AfterFunc(killGrace, func() {
		_ = unix.Kill(-pgid, unix.SIGKILL)
	})
}

// resolveOutcome maps cmd.Wait's error plus the category watchTimeouts
// observed into the spec's exit-code/error-string pair. When a timeout
// fired, the reported code reflects which signal actually reaped the
// child: 143 if SIGTERM was enough within the grace window, 137 if the
// follow-up SIGKILL was required. A ctx cancellation always reports
// 130 regardless of which signal reaped the child, since the caller
// asked for this exit; it isn't a timeout the child ran into on its own.
func resolveOutcome(waitErr error, timeoutCategory string) (exitCode int, errString string) {
	switch timeoutCategory {
	case "cancel":
		return 130, "cancel"
	case "idle_timeout", "wall_timeout":
		return signalExitCode(waitErr, 143), timeoutCategory
	}
	if waitErr == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if asExitError(waitErr, &exitErr) {
		return exitErr.ExitCode(), ""
	}
	return 1, waitErr.Error()
}

// signalExitCode inspects waitErr's ExitError for the signal that
// actually terminated the child, falling back to fallback (SIGTERM's
// 143) if the platform wait status can't be decoded or no kill was
// needed beyond the initial terminate.
func signalExitCode(waitErr error, fallback int) int {
	var exitErr *exec.ExitError
	if !asExitError(waitErr, &exitErr) {
		return fallback
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return fallback
	}
	if status.Signal() == syscall.SIGKILL {
		return 137
	}
	return fallback
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
