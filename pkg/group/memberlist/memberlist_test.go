package memberlist

import (
	"encoding/json"
	"log"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/pgha/cpgagent/pkg/group"
)

func freePort(t *testing.T) int {
	t.Helper()
	a, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("freePort: %v", err)
	}
	defer a.Close()
	return a.LocalAddr().(*net.UDPAddr).Port
}

// newBareSession builds a Session without a live substrate so the delegates
// can be driven directly.
func newBareSession(t *testing.T, cbs group.Callbacks) *Session {
	t.Helper()
	s := &Session{
		opts:    Options{Group: group.DefaultName, Logger: log.Default()},
		cbs:     cbs,
		local:   group.MemberAddress{NodeID: 1, Pid: 100},
		members: make(map[string]group.MemberAddress),
		ready:   make(chan struct{}, 1),
	}
	s.bcast = &memberlist.TransmitLimitedQueue{NumNodes: s.numNodes, RetransmitMult: 3}
	return s
}

func metaBytes(t *testing.T, id uint32, pid int32) []byte {
	t.Helper()
	b, err := json.Marshal(nodeMeta{NodeID: id, Pid: pid})
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	return b
}

func TestDispatchOneIdleWhenEmpty(t *testing.T) {
	s := newBareSession(t, group.Callbacks{})
	d, err := s.DispatchOne()
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if d != group.Idle {
		t.Fatalf("dispatch = %v, want idle", d)
	}
}

func TestJoinLeaveProduceOrderedSnapshots(t *testing.T) {
	var (
		mu    sync.Mutex
		snaps []group.Snapshot
	)
	s := newBareSession(t, group.Callbacks{OnViewChange: func(sn group.Snapshot) {
		mu.Lock()
		snaps = append(snaps, sn)
		mu.Unlock()
	}})
	ed := &eventDelegate{s: s}

	ed.NotifyJoin(&memberlist.Node{Name: "n1", Meta: metaBytes(t, 1, 100)})
	ed.NotifyJoin(&memberlist.Node{Name: "n2", Meta: metaBytes(t, 2, 200)})
	ed.NotifyLeave(&memberlist.Node{Name: "n1", Meta: metaBytes(t, 1, 100)})

	for i := 0; i < 3; i++ {
		if d, err := s.DispatchOne(); err != nil || d != group.Delivered {
			t.Fatalf("dispatch %d: %v, %v", i, d, err)
		}
	}

	if len(snaps) != 3 {
		t.Fatalf("got %d snapshots", len(snaps))
	}
	// Every view accounts for each member exactly once.
	if got := snaps[0].View.Format(); got != "1/100" {
		t.Fatalf("view 0 = %q", got)
	}
	if got := snaps[1].View.Format(); got != "1/100, 2/200" {
		t.Fatalf("view 1 = %q", got)
	}
	if got := snaps[2].View.Format(); got != "2/200" {
		t.Fatalf("view 2 = %q", got)
	}
	if len(snaps[1].Joined) != 1 || snaps[1].Joined[0] != (group.MemberAddress{NodeID: 2, Pid: 200}) {
		t.Fatalf("join delta = %v", snaps[1].Joined)
	}
	if len(snaps[2].Left) != 1 || snaps[2].Left[0] != (group.MemberAddress{NodeID: 1, Pid: 100}) {
		t.Fatalf("left delta = %v", snaps[2].Left)
	}
}

func TestViewIsSortedByNodeThenPid(t *testing.T) {
	var last group.Snapshot
	s := newBareSession(t, group.Callbacks{OnViewChange: func(sn group.Snapshot) { last = sn }})
	ed := &eventDelegate{s: s}

	ed.NotifyJoin(&memberlist.Node{Name: "c", Meta: metaBytes(t, 3, 50)})
	ed.NotifyJoin(&memberlist.Node{Name: "a", Meta: metaBytes(t, 1, 900)})
	ed.NotifyJoin(&memberlist.Node{Name: "b", Meta: metaBytes(t, 1, 100)})
	for i := 0; i < 3; i++ {
		if _, err := s.DispatchOne(); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
	}
	if got := last.View.Format(); got != "1/100, 1/900, 3/50" {
		t.Fatalf("view order = %q", got)
	}
}

func TestReadyArming(t *testing.T) {
	s := newBareSession(t, group.Callbacks{})
	select {
	case <-s.Ready():
		t.Fatalf("ready armed with empty queue")
	default:
	}

	ed := &eventDelegate{s: s}
	ed.NotifyJoin(&memberlist.Node{Name: "n1", Meta: metaBytes(t, 1, 100)})
	ed.NotifyJoin(&memberlist.Node{Name: "n2", Meta: metaBytes(t, 2, 200)})

	select {
	case <-s.Ready():
	default:
		t.Fatalf("ready not armed after events")
	}
	// One event still queued after the first dispatch, so ready re-arms.
	if _, err := s.DispatchOne(); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case <-s.Ready():
	default:
		t.Fatalf("ready not re-armed with a queued event")
	}
	if _, err := s.DispatchOne(); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	select {
	case <-s.Ready():
		t.Fatalf("ready armed with drained queue")
	default:
	}
}

func TestNotifyMsgDelivery(t *testing.T) {
	var (
		from    group.MemberAddress
		payload []byte
	)
	s := newBareSession(t, group.Callbacks{OnDeliver: func(f group.MemberAddress, p []byte) {
		from, payload = f, p
	}})
	nd := &nodeDelegate{s: s}

	env, _ := json.Marshal(envelope{NodeID: 9, Pid: 900, Data: []byte(`{"conninfo":"host=db9"}`)})
	nd.NotifyMsg(env)
	if d, err := s.DispatchOne(); err != nil || d != group.Delivered {
		t.Fatalf("dispatch: %v, %v", d, err)
	}
	if from != (group.MemberAddress{NodeID: 9, Pid: 900}) {
		t.Fatalf("from = %v", from)
	}
	if string(payload) != `{"conninfo":"host=db9"}` {
		t.Fatalf("payload = %q", payload)
	}
}

func TestNotifyMsgDropsGarbage(t *testing.T) {
	s := newBareSession(t, group.Callbacks{OnDeliver: func(group.MemberAddress, []byte) {
		t.Fatalf("garbage reached the callback")
	}})
	nd := &nodeDelegate{s: s}
	nd.NotifyMsg([]byte("not json"))
	if d, err := s.DispatchOne(); err != nil || d != group.Idle {
		t.Fatalf("dispatch = %v, %v, want idle", d, err)
	}
}

func TestPublishSelfDelivery(t *testing.T) {
	var from group.MemberAddress
	s := newBareSession(t, group.Callbacks{OnDeliver: func(f group.MemberAddress, p []byte) { from = f }})
	if err := s.Publish([]byte(`{"conninfo":"host=me"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if d, err := s.DispatchOne(); err != nil || d != group.Delivered {
		t.Fatalf("dispatch: %v, %v", d, err)
	}
	if from != s.Local() {
		t.Fatalf("self delivery from %v, want %v", from, s.Local())
	}
	// The broadcast also sits in the gossip queue for the peers.
	if got := s.bcast.NumQueued(); got != 1 {
		t.Fatalf("broadcast queue holds %d messages", got)
	}
}

func TestNotifyUpdateDeliversNoSnapshot(t *testing.T) {
	s := newBareSession(t, group.Callbacks{OnViewChange: func(group.Snapshot) {
		t.Fatalf("metadata refresh produced a view change")
	}})
	ed := &eventDelegate{s: s}
	ed.NotifyUpdate(&memberlist.Node{Name: "n1", Meta: metaBytes(t, 1, 100)})
	if d, err := s.DispatchOne(); err != nil || d != group.Idle {
		t.Fatalf("dispatch = %v, %v, want idle", d, err)
	}
}

func TestClosedSessionRefusesOperations(t *testing.T) {
	s := newBareSession(t, group.Callbacks{})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.DispatchOne(); err != group.ErrClosed {
		t.Fatalf("dispatch on closed session: %v", err)
	}
	if err := s.Publish([]byte("x")); err != group.ErrClosed {
		t.Fatalf("publish on closed session: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
}

func TestOpenRejectsBadGroupName(t *testing.T) {
	long := make([]byte, group.MaxNameLength+1)
	for i := range long {
		long[i] = 'g'
	}
	if _, err := Open(Options{Group: string(long)}, group.Callbacks{}); err == nil {
		t.Fatalf("overlong group name accepted")
	}
}

func TestOpenSingleNodeLifecycle(t *testing.T) {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	var mu sync.Mutex
	var views []group.View
	cbs := group.Callbacks{OnViewChange: func(sn group.Snapshot) {
		mu.Lock()
		views = append(views, sn.View)
		mu.Unlock()
	}}
	s, err := Open(Options{
		Group:         "lifecycle_test_group",
		NodeName:      "t1",
		Bind:          addr,
		Advertise:     addr,
		Logger:        log.Default(),
		ProbeInterval: 100 * time.Millisecond,
	}, cbs)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if s.Local().Pid == 0 {
		t.Fatalf("local pid not set")
	}

	// A second live session in the same process must be refused.
	if _, err := Open(Options{Group: "lifecycle_test_group", Bind: addr}, group.Callbacks{}); err != group.ErrAlreadyJoined {
		t.Fatalf("second open: %v, want ErrAlreadyJoined", err)
	}

	// The substrate reports the local join; drive the dispatcher until the
	// view holds this member.
	deadline := time.After(3 * time.Second)
	for {
		if _, err := s.DispatchOne(); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		mu.Lock()
		n := len(views)
		ok := n > 0 && views[n-1].Contains(s.Local())
		mu.Unlock()
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("local member never appeared in the view")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// After Close, a fresh session may be opened again.
	addr2 := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
	s2, err := Open(Options{Group: "lifecycle_test_group", NodeName: "t2", Bind: addr2, Advertise: addr2, Logger: log.Default()}, group.Callbacks{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = s2.Close()
}

func TestHashNodeIDNeverZero(t *testing.T) {
	if hashNodeID("") == 0 {
		t.Fatalf("zero node id")
	}
	if hashNodeID("node-a") == hashNodeID("node-b") {
		t.Fatalf("distinct names collided")
	}
}
