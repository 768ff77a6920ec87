// Package group models a closed process group: a named set of processes in
// which every member observes the same ordered sequence of membership views
// and messages. The concrete substrate lives in subpackages (memberlist).
package group

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxNameLength is the substrate limit on group names, in bytes.
	MaxNameLength = 128

	// DefaultName is the group joined by database agents.
	DefaultName = "pgsql_group"
)

// NodeID identifies the node a member process runs on.
type NodeID uint32

// MemberAddress identifies one member process: the node it runs on plus its
// OS process id. Two addresses are equal iff both fields match.
type MemberAddress struct {
	NodeID NodeID `json:"nodeid"`
	Pid    int32  `json:"pid"`
}

func (a MemberAddress) String() string {
	return fmt.Sprintf("%d/%d", a.NodeID, a.Pid)
}

// View is the membership of the group at one point in its ordered history of
// changes, sorted by (NodeID, Pid).
type View []MemberAddress

// Contains reports whether addr is part of the view.
func (v View) Contains(addr MemberAddress) bool {
	for _, m := range v {
		if m == addr {
			return true
		}
	}
	return false
}

// Format renders the view as "nodeid/pid, nodeid/pid, …" for log lines.
func (v View) Format() string {
	var b strings.Builder
	for i, m := range v {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(m.String())
	}
	return b.String()
}

// Snapshot is one delivered membership change: the resulting view plus the
// delta that produced it. Snapshots are totally ordered by delivery order on
// the session; no two deliveries occur for the same view.
type Snapshot struct {
	View   View
	Joined []MemberAddress
	Left   []MemberAddress
}

// Callbacks are invoked synchronously from DispatchOne on the calling
// goroutine, never from the substrate's internal goroutines. Blocking inside
// a callback blocks the whole agent.
type Callbacks struct {
	// OnViewChange runs for every membership delta.
	OnViewChange func(Snapshot)
	// OnDeliver runs for every group message, including the local echo of
	// messages this member published itself.
	OnDeliver func(from MemberAddress, payload []byte)

	// Totem-configuration callbacks are deliberately not modeled.
}

// Dispatch is the outcome of a single non-blocking dispatch attempt.
type Dispatch int

const (
	// Idle means no event was pending.
	Idle Dispatch = iota
	// Delivered means exactly one callback ran to completion.
	Delivered
)

// Session is an open handle on a joined group. A process holds at most one
// live session; it is owned by the event loop and destroyed only on exit.
type Session interface {
	// Local returns the member address assigned at join time. Immutable.
	Local() MemberAddress
	// Ready is readable whenever at least one event is pending dispatch.
	Ready() <-chan struct{}
	// DispatchOne attempts a single non-blocking dispatch. Any error is
	// fatal to the caller.
	DispatchOne() (Dispatch, error)
	// Publish broadcasts a payload to every member of the group, the local
	// member included.
	Publish(payload []byte) error
	// Close leaves the group and releases the session.
	Close() error
}

var (
	// ErrAlreadyJoined is returned when a process attempts a second live
	// session.
	ErrAlreadyJoined = errors.New("group: handle is already joined to a group")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("group: session is closed")
)

// ValidateName checks substrate constraints on a group name.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("group: empty group name")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("group: name longer than %d bytes", MaxNameLength)
	}
	return nil
}
