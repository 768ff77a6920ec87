// Package host adapts operating-system facilities for the agent: a latch
// wakeup primitive, a multi-source wait, signal plumbing, a parent-death
// watch and the process-title sink.
package host

import (
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pgha/cpgagent/pkg/internal/logutil"
)

// Wake identifies which source ended a WaitMulti call.
type Wake int

const (
	WakeLatch Wake = iota
	WakeSocket
	WakeTimeout
	WakeParentDeath
)

func (w Wake) String() string {
	switch w {
	case WakeLatch:
		return "latch"
	case WakeSocket:
		return "socket"
	case WakeTimeout:
		return "timeout"
	case WakeParentDeath:
		return "parent-death"
	}
	return "unknown"
}

// WaitMulti blocks until the latch is set, ready becomes readable, the
// timeout elapses or the parent channel closes. A nil ready or parent channel
// never fires. Receiving from ready consumes its token; the dispatcher
// re-arms it while events remain queued, so no wakeup is lost.
func WaitMulti(latch *Latch, ready <-chan struct{}, timeout time.Duration, parent <-chan struct{}) Wake {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-latch.C():
		// re-arm so the caller's Reset sees a consistent state
		latch.Set()
		return WakeLatch
	case <-ready:
		return WakeSocket
	case <-t.C:
		return WakeTimeout
	case <-parent:
		return WakeParentDeath
	}
}

// Signals carries the sig-atomic flags written by the installed handlers and
// read by the event loop. Handlers do no work beyond setting a flag and the
// latch; the loop observes the flags at its next interrupt check.
type Signals struct {
	term   atomic.Bool
	reload atomic.Bool
	latch  *Latch
	logger *log.Logger
	ch     chan os.Signal
}

// InstallSignals registers handlers for SIGTERM and SIGINT (graceful
// termination) and SIGHUP (configuration reload). It must be called before
// the first wait.
func InstallSignals(latch *Latch, logger *log.Logger) *Signals {
	s := &Signals{latch: latch, logger: logger, ch: make(chan os.Signal, 4)}
	signal.Notify(s.ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go s.pump()
	return s
}

func (s *Signals) pump() {
	for sig := range s.ch {
		switch sig {
		case syscall.SIGTERM, syscall.SIGINT:
			s.term.Store(true)
		case syscall.SIGHUP:
			logutil.Debugf(s.logger, "reload signal received")
			s.reload.Store(true)
		}
		if s.latch != nil {
			s.latch.Set()
		}
	}
}

// Stop unregisters the handlers. Used by tests.
func (s *Signals) Stop() {
	signal.Stop(s.ch)
	close(s.ch)
}

// TerminationRequested reports whether a SIGTERM (or an administrative leave)
// is pending.
func (s *Signals) TerminationRequested() bool { return s.term.Load() }

// RequestTermination flags a graceful exit from outside signal context, e.g.
// the management /leave endpoint.
func (s *Signals) RequestTermination() {
	s.term.Store(true)
	if s.latch != nil {
		s.latch.Set()
	}
}

// RequestReload flags a configuration reload as if SIGHUP had been received.
func (s *Signals) RequestReload() {
	s.reload.Store(true)
	if s.latch != nil {
		s.latch.Set()
	}
}

// TakeReload consumes a pending reload request.
func (s *Signals) TakeReload() bool { return s.reload.Swap(false) }

// WatchParent returns a channel that closes when the process with the given
// pid disappears. A pid <= 0 disables the watch (nil channel, never fires).
// The supervisor pid is polled; signal 0 probes existence without delivery.
func WatchParent(pid int, every time.Duration) <-chan struct{} {
	if pid <= 0 {
		return nil
	}
	if every <= 0 {
		every = time.Second
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for range t.C {
			p, err := os.FindProcess(pid)
			if err != nil {
				close(done)
				return
			}
			if err := p.Signal(syscall.Signal(0)); err != nil {
				close(done)
				return
			}
		}
	}()
	return done
}
