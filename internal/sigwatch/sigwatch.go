// Package sigwatch turns the two sources of external asynchrony spec.md §5
// names — child-death and the child-initiated stdio-collapse request —
// into channel sends instead of process-wide atomic flags. This is the
// "signal pipe" redesign spec.md §9 suggests in place of the
// sigprocmask/select dance: each signal handler still only sets state (a
// channel send, non-blocking), and the multiplexer observes it via select
// like any other event source.
package sigwatch

import (
	"os"
	"os/signal"
	"syscall"
)

// CollapseSignal is the signal a child sends to QREXEC_AGENT_PID to
// request that stdout be merged onto stdin (see SPEC_FULL.md §4.3(c)).
const CollapseSignal = syscall.SIGUSR1

// Watcher exposes the two signal-derived events as channels. Each channel
// is buffered to depth 1: a pending-but-unconsumed signal collapses
// repeated deliveries into a single notification, which is exactly the
// idempotence spec.md §8 requires for repeated collapse requests.
type Watcher struct {
	ChildExited       <-chan struct{}
	CollapseRequested <-chan struct{}

	childCh    chan os.Signal
	collapseCh chan os.Signal
	done       chan struct{}
}

// New installs the handlers and starts relaying them onto the returned
// Watcher's channels. Call Stop when the session ends.
func New() *Watcher {
	childCh := make(chan os.Signal, 1)
	collapseCh := make(chan os.Signal, 1)
	signal.Notify(childCh, syscall.SIGCHLD)
	signal.Notify(collapseCh, CollapseSignal)

	exited := make(chan struct{}, 1)
	collapse := make(chan struct{}, 1)
	done := make(chan struct{})

	relay := func(in <-chan os.Signal, out chan struct{}) {
		for {
			select {
			case <-in:
				select {
				case out <- struct{}{}:
				default:
				}
			case <-done:
				return
			}
		}
	}
	go relay(childCh, exited)
	go relay(collapseCh, collapse)

	return &Watcher{
		ChildExited:       exited,
		CollapseRequested: collapse,
		childCh:           childCh,
		collapseCh:        collapseCh,
		done:              done,
	}
}

// Stop deregisters the handlers and releases the relay goroutines.
func (w *Watcher) Stop() {
	signal.Stop(w.childCh)
	signal.Stop(w.collapseCh)
	close(w.done)
}
