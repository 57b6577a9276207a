package session

import (
	"os"
	"os/signal"
	"syscall"
)

// LifecycleEvent is a host signal the orchestrator reacts to by flushing a
// checkpoint so nothing recorded so far can be lost.
type LifecycleEvent string

const (
	// LifecycleSuspendRequested means the host asked the agent to stop
	// (shutdown, service stop).
	LifecycleSuspendRequested LifecycleEvent = "suspend_requested"

	// LifecycleHidden means the agent keeps running but lost foreground
	// attention (terminal stop).
	LifecycleHidden LifecycleEvent = "hidden"
)

// LifecycleNotifier delivers host lifecycle events.
type LifecycleNotifier interface {
	Events() <-chan LifecycleEvent
	Close()
}

// SignalNotifier maps POSIX signals to lifecycle events: SIGTERM and SIGINT
// become suspend requests, SIGTSTP becomes hidden.
type SignalNotifier struct {
	sig  chan os.Signal
	out  chan LifecycleEvent
	done chan struct{}
}

func NewSignalNotifier() *SignalNotifier {
	n := &SignalNotifier{
		sig:  make(chan os.Signal, 4),
		out:  make(chan LifecycleEvent, 4),
		done: make(chan struct{}),
	}
	signal.Notify(n.sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGTSTP)
	go n.run()
	return n
}

func (n *SignalNotifier) run() {
	for {
		select {
		case <-n.done:
			return
		case s := <-n.sig:
			var evt LifecycleEvent
			switch s {
			case syscall.SIGTSTP:
				evt = LifecycleHidden
			default:
				evt = LifecycleSuspendRequested
			}
			select {
			case n.out <- evt:
			default:
			}
		}
	}
}

func (n *SignalNotifier) Events() <-chan LifecycleEvent { return n.out }

func (n *SignalNotifier) Close() {
	signal.Stop(n.sig)
	close(n.done)
}
