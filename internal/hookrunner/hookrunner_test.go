package hookrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, req Request) []Frame {
	t.Helper()
	out := make(chan Frame, 256)
	err := Run(context.Background(), req, out)
	require.NoError(t, err)

	var frames []Frame
	for f := range out {
		frames = append(frames, f)
	}
	return frames
}

func TestRun_StreamsStdoutLinesInOrder(t *testing.T) {
	frames := collect(t, Request{
		Command:     "printf 'one\\ntwo\\nthree\\n'",
		IdleTimeout: time.Second,
		WallTimeout: 5 * time.Second,
	})

	require.GreaterOrEqual(t, len(frames), 4)
	assert.Equal(t, "one", frames[0].Line)
	assert.Equal(t, "two", frames[1].Line)
	assert.Equal(t, "three", frames[2].Line)

	complete := frames[len(frames)-1]
	assert.Equal(t, FrameComplete, complete.Kind)
	assert.Equal(t, 0, complete.ExitCode)
	assert.Empty(t, complete.Error)
}

func TestRun_FlushesPartialTrailingLine(t *testing.T) {
	frames := collect(t, Request{
		Command:     "printf 'no-newline'",
		IdleTimeout: time.Second,
		WallTimeout: 5 * time.Second,
	})

	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, "no-newline", frames[0].Line)
}

func TestRun_NonZeroExitCodePropagated(t *testing.T) {
	frames := collect(t, Request{
		Command:     "exit 7",
		IdleTimeout: time.Second,
		WallTimeout: 5 * time.Second,
	})

	complete := frames[len(frames)-1]
	assert.Equal(t, 7, complete.ExitCode)
}

func TestRun_WallTimeoutKillsChild(t *testing.T) {
	frames := collect(t, Request{
		Command:     "sleep 5",
		IdleTimeout: 10 * time.Second,
		WallTimeout: 100 * time.Millisecond,
	})

	complete := frames[len(frames)-1]
	assert.Equal(t, "wall_timeout", complete.Error)
	assert.Contains(t, []int{143, 137}, complete.ExitCode)
}

func TestRun_IdleTimeoutFiresWhenOutputStalls(t *testing.T) {
	frames := collect(t, Request{
		Command:     "echo start; sleep 5",
		IdleTimeout: 100 * time.Millisecond,
		WallTimeout: 5 * time.Second,
	})

	complete := frames[len(frames)-1]
	assert.Equal(t, "idle_timeout", complete.Error)
}

func TestRun_ActivityResetsIdleTimer(t *testing.T) {
	frames := collect(t, Request{
		Command:     "for i in 1 2 3; do echo tick-$i; sleep 0.05; done",
		IdleTimeout: 500 * time.Millisecond,
		WallTimeout: 5 * time.Second,
	})

	complete := frames[len(frames)-1]
	assert.Empty(t, complete.Error)
	assert.Equal(t, 0, complete.ExitCode)
}

func TestRun_StdinPayloadWritten(t *testing.T) {
	frames := collect(t, Request{
		Command:      "cat",
		IdleTimeout:  time.Second,
		WallTimeout:  5 * time.Second,
		StdinPayload: []byte("hello-from-stdin\n"),
	})

	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, "hello-from-stdin", frames[0].Line)
}
