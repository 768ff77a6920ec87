package host

// Latch is a single-bit wakeup primitive. It can be set from signal-handling
// goroutines or peers and waited on alongside other channels in WaitMulti.
// Set and Reset are idempotent and never block.
type Latch struct {
	c chan struct{}
}

func NewLatch() *Latch {
	return &Latch{c: make(chan struct{}, 1)}
}

// Set arms the latch. A latch that is already set stays set.
func (l *Latch) Set() {
	select {
	case l.c <- struct{}{}:
	default:
	}
}

// Reset clears the latch. Every setter also records its reason in a flag or
// queue that the loop re-checks after resetting, so a wakeup consumed here is
// never lost.
func (l *Latch) Reset() {
	select {
	case <-l.c:
	default:
	}
}

// C exposes the wait channel. Receiving from it consumes the set bit.
func (l *Latch) C() <-chan struct{} { return l.c }

// IsSet reports whether the latch is currently armed without consuming it.
func (l *Latch) IsSet() bool { return len(l.c) > 0 }
