package coordinator

import (
	"sync"

	"github.com/hanlabs/hookd/internal/hookrunner"
)

// inflightRun is the broadcast point for deduplicating concurrent
// identical requests (spec §4.5, invariant 2 "at-most-one builder"):
// the first caller to reach a given fingerprint with no cache entry
// becomes the builder and publishes every frame it produces here;
// every later caller for the same fingerprint attaches as a follower
// and replays the buffered frames instead of spawning its own runner.
type inflightRun struct {
	mu          sync.Mutex
	frames      []OutputFrame
	subscribers []chan OutputFrame
	done        bool
}

func newInflightRun() *inflightRun {
	return &inflightRun{}
}

// publish fans a frame out to every follower attached so far and
// buffers it for followers that attach later.
func (r *inflightRun) publish(f OutputFrame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	if f.Kind == hookrunner.FrameComplete {
		r.done = true
	}
	subs := append([]chan OutputFrame(nil), r.subscribers...)
	r.mu.Unlock()

	for _, ch := range subs {
		ch <- f
	}
}

// follow attaches a new follower, returning the frames already
// published plus a channel for everything still to come. If the run
// already completed, the channel is closed immediately after the
// buffered replay is consumed.
func (r *inflightRun) follow() (buffered []OutputFrame, live <-chan OutputFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buffered = append([]OutputFrame(nil), r.frames...)
	ch := make(chan OutputFrame, 64)
	if r.done {
		close(ch)
		return buffered, ch
	}
	r.subscribers = append(r.subscribers, ch)
	return buffered, ch
}

// builderDone closes every follower channel still attached once the
// builder's final complete frame has been published to it, so no
// follower blocks forever waiting on a channel that will never
// receive anything more.
func (r *inflightRun) builderDone() {
	r.mu.Lock()
	subs := r.subscribers
	r.subscribers = nil
	r.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}
