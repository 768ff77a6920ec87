package host

import (
	"log"
	"testing"
	"time"
)

func TestLatchSetReset(t *testing.T) {
	l := NewLatch()
	if l.IsSet() {
		t.Fatalf("new latch is set")
	}
	l.Set()
	l.Set() // idempotent
	if !l.IsSet() {
		t.Fatalf("latch not set after Set")
	}
	select {
	case <-l.C():
	default:
		t.Fatalf("latch channel not readable after Set")
	}
	l.Reset()
	l.Reset() // idempotent
	if l.IsSet() {
		t.Fatalf("latch still set after Reset")
	}
}

func TestWaitMultiLatch(t *testing.T) {
	l := NewLatch()
	l.Set()
	if w := WaitMulti(l, nil, time.Second, nil); w != WakeLatch {
		t.Fatalf("wake = %v, want latch", w)
	}
	// The wait re-arms the latch so the caller's Reset is authoritative.
	if !l.IsSet() {
		t.Fatalf("latch consumed by wait")
	}
}

func TestWaitMultiSocket(t *testing.T) {
	l := NewLatch()
	ready := make(chan struct{}, 1)
	ready <- struct{}{}
	if w := WaitMulti(l, ready, time.Second, nil); w != WakeSocket {
		t.Fatalf("wake = %v, want socket", w)
	}
}

func TestWaitMultiTimeout(t *testing.T) {
	l := NewLatch()
	start := time.Now()
	if w := WaitMulti(l, nil, 20*time.Millisecond, nil); w != WakeTimeout {
		t.Fatalf("wake = %v, want timeout", w)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("timeout fired early")
	}
}

func TestWaitMultiParentDeath(t *testing.T) {
	l := NewLatch()
	parent := make(chan struct{})
	close(parent)
	if w := WaitMulti(l, nil, time.Second, parent); w != WakeParentDeath {
		t.Fatalf("wake = %v, want parent-death", w)
	}
}

func TestSignalsRequestFlags(t *testing.T) {
	l := NewLatch()
	s := InstallSignals(l, log.Default())
	defer s.Stop()

	if s.TerminationRequested() {
		t.Fatalf("fresh signals report termination")
	}
	s.RequestTermination()
	if !s.TerminationRequested() {
		t.Fatalf("termination flag not set")
	}
	if !l.IsSet() {
		t.Fatalf("termination did not set the latch")
	}

	l.Reset()
	s.RequestReload()
	if !s.TakeReload() {
		t.Fatalf("reload flag not observed")
	}
	if s.TakeReload() {
		t.Fatalf("reload flag not consumed")
	}
	if !l.IsSet() {
		t.Fatalf("reload did not set the latch")
	}
}

func TestWatchParentDisabled(t *testing.T) {
	if ch := WatchParent(0, time.Millisecond); ch != nil {
		t.Fatalf("pid 0 should disable the watch")
	}
}

func TestWatchParentDeadPid(t *testing.T) {
	// A pid from the ephemeral range that almost certainly does not exist.
	ch := WatchParent(1<<22-2, 5*time.Millisecond)
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not notice the dead pid")
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 128); got != "short" {
		t.Fatalf("Truncate mangled a short string: %q", got)
	}
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	if got := Truncate(string(long), 128); len(got) != 128 {
		t.Fatalf("Truncate returned %d bytes, want 128", len(got))
	}
}
