// Package memberlist implements group.Session on top of HashiCorp memberlist.
// Substrate delegates only enqueue tagged events; the event loop drains them
// one at a time through DispatchOne, so callbacks always run on the loop
// goroutine.
package memberlist

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/memberlist"

	"github.com/pgha/cpgagent/pkg/group"
	"github.com/pgha/cpgagent/pkg/internal/logutil"
)

// active enforces the one-live-session-per-process invariant.
var active atomic.Bool

// Options configures the memberlist-backed group session.
type Options struct {
	// Group is the closed process group name (defaults to group.DefaultName).
	// It doubles as the gossip packet label so distinct groups on the same
	// network segment cannot mix.
	Group string

	// NodeName is the unique member name within the group. Defaults to
	// "<hostname>-<pid>".
	NodeName string

	// NodeID overrides the node identifier. Zero means derive it from
	// NodeName by hashing.
	NodeID group.NodeID

	// Bind is the gossip bind address in host:port form.
	Bind string

	// Advertise is the address peers use to reach this node. If empty,
	// memberlist derives it from Bind.
	Advertise string

	// Seeds are existing members contacted at join time. Empty means start
	// a group of one.
	Seeds []string

	// MgmtAddr is advertised to peers through node metadata.
	MgmtAddr string

	// Logger is optional. If nil, log.Default() is used.
	Logger *log.Logger

	// Tuning parameters (optional). Zero means use defaults.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SuspicionMult int
}

// nodeMeta travels in memberlist node metadata and carries the member
// address, since memberlist itself only knows names and gossip addresses.
type nodeMeta struct {
	NodeID uint32 `json:"nodeid"`
	Pid    int32  `json:"pid"`
	Mgmt   string `json:"mgmt,omitempty"`
}

// envelope is the wire format of group messages.
type envelope struct {
	NodeID uint32 `json:"nodeid"`
	Pid    int32  `json:"pid"`
	Data   []byte `json:"data"`
}

type eventKind int

const (
	eventViewChange eventKind = iota
	eventDeliver
)

type event struct {
	kind    eventKind
	snap    group.Snapshot
	from    group.MemberAddress
	payload []byte
}

// Session is the memberlist-backed implementation of group.Session.
type Session struct {
	opts  Options
	cbs   group.Callbacks
	local group.MemberAddress
	meta  []byte

	mu      sync.Mutex
	ml      *memberlist.Memberlist
	members map[string]group.MemberAddress
	queue   []event
	ready   chan struct{}
	closed  bool

	bcast *memberlist.TransmitLimitedQueue
}

// Open initializes the substrate, joins the named group and returns the live
// session. A second Open while a session is live fails with ErrAlreadyJoined;
// every other failure means the agent cannot participate and is fatal to the
// caller.
func Open(opts Options, cbs group.Callbacks) (*Session, error) {
	if opts.Group == "" {
		opts.Group = group.DefaultName
	}
	if err := group.ValidateName(opts.Group); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("group: resolve hostname: %w", err)
		}
		opts.NodeName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.NodeID == 0 {
		opts.NodeID = hashNodeID(opts.NodeName)
	}
	if !active.CompareAndSwap(false, true) {
		return nil, group.ErrAlreadyJoined
	}

	s := &Session{
		opts:    opts,
		cbs:     cbs,
		local:   group.MemberAddress{NodeID: opts.NodeID, Pid: int32(os.Getpid())},
		members: make(map[string]group.MemberAddress),
		ready:   make(chan struct{}, 1),
	}
	mb, err := json.Marshal(nodeMeta{NodeID: uint32(s.local.NodeID), Pid: s.local.Pid, Mgmt: opts.MgmtAddr})
	if err != nil {
		active.Store(false)
		return nil, err
	}
	s.meta = mb
	s.bcast = &memberlist.TransmitLimitedQueue{
		NumNodes:       s.numNodes,
		RetransmitMult: 3,
	}

	cfg, err := s.substrateConfig()
	if err != nil {
		active.Store(false)
		return nil, err
	}
	ml, err := memberlist.Create(cfg)
	if err != nil {
		active.Store(false)
		return nil, fmt.Errorf("group: could not init the group handle: %w", err)
	}
	s.mu.Lock()
	s.ml = ml
	s.mu.Unlock()

	if len(opts.Seeds) > 0 {
		if _, err := ml.Join(opts.Seeds); err != nil {
			_ = ml.Shutdown()
			active.Store(false)
			return nil, fmt.Errorf("group: could not join the closed process group: %w", err)
		}
	}
	logutil.Infof(opts.Logger, "joined group %q as %s", opts.Group, s.local)
	return s, nil
}

func (s *Session) substrateConfig() (*memberlist.Config, error) {
	cfg := memberlist.DefaultLANConfig()
	cfg.Name = s.opts.NodeName
	cfg.Label = s.opts.Group
	cfg.Logger = s.opts.Logger

	host, portStr, err := net.SplitHostPort(s.opts.Bind)
	if err != nil {
		return nil, fmt.Errorf("group: invalid bind address %q: %w", s.opts.Bind, err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return nil, err
	}
	cfg.BindAddr = host
	cfg.BindPort = port

	if s.opts.Advertise != "" {
		ahost, aportStr, err := net.SplitHostPort(s.opts.Advertise)
		if err != nil {
			return nil, fmt.Errorf("group: invalid advertise address %q: %w", s.opts.Advertise, err)
		}
		aport, err := parsePort(aportStr)
		if err != nil {
			return nil, err
		}
		cfg.AdvertiseAddr = ahost
		cfg.AdvertisePort = aport
	}
	if s.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = s.opts.ProbeInterval
	}
	if s.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = s.opts.ProbeTimeout
	}
	if s.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = s.opts.SuspicionMult
	}
	cfg.Events = &eventDelegate{s: s}
	cfg.Delegate = &nodeDelegate{s: s}
	return cfg, nil
}

func (s *Session) numNodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ml == nil {
		return 1
	}
	return s.ml.NumMembers()
}

// Local returns the member address assigned at join time.
func (s *Session) Local() group.MemberAddress { return s.local }

// Ready is readable whenever at least one event is pending dispatch. It plays
// the role of the group file descriptor in the event-loop wait.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// DispatchOne pops at most one queued event and runs the matching callback
// synchronously. It never blocks.
func (s *Session) DispatchOne() (group.Dispatch, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return group.Idle, group.ErrClosed
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return group.Idle, nil
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		s.arm()
	}
	s.mu.Unlock()

	switch ev.kind {
	case eventViewChange:
		if s.cbs.OnViewChange != nil {
			s.cbs.OnViewChange(ev.snap)
		}
	case eventDeliver:
		if s.cbs.OnDeliver != nil {
			s.cbs.OnDeliver(ev.from, ev.payload)
		}
	}
	return group.Delivered, nil
}

// Publish broadcasts payload to the whole group. The local member receives
// its own message through the regular dispatch path.
func (s *Session) Publish(payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return group.ErrClosed
	}
	s.mu.Unlock()

	b, err := json.Marshal(envelope{NodeID: uint32(s.local.NodeID), Pid: s.local.Pid, Data: payload})
	if err != nil {
		return err
	}
	s.bcast.QueueBroadcast(&broadcast{msg: b})
	// Gossip does not echo to the sender; enqueue the self-delivery locally
	// to preserve closed-process-group semantics.
	s.enqueue(event{kind: eventDeliver, from: s.local, payload: append([]byte(nil), payload...)})
	return nil
}

// Close leaves the group and shuts the substrate down. The session is
// unusable afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ml := s.ml
	s.ml = nil
	s.mu.Unlock()

	if ml != nil {
		_ = ml.Leave(time.Second)
		_ = ml.Shutdown()
	}
	active.Store(false)
	return nil
}

func (s *Session) enqueue(ev event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.arm()
	s.mu.Unlock()
}

// arm marks the ready channel readable. Callers hold s.mu.
func (s *Session) arm() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// snapshotLocked builds the ordered view from the member map. Callers hold s.mu.
func (s *Session) snapshotLocked() group.View {
	view := make(group.View, 0, len(s.members))
	for _, m := range s.members {
		view = append(view, m)
	}
	sort.Slice(view, func(i, j int) bool {
		if view[i].NodeID != view[j].NodeID {
			return view[i].NodeID < view[j].NodeID
		}
		return view[i].Pid < view[j].Pid
	})
	return view
}

func (s *Session) memberAddress(n *memberlist.Node) group.MemberAddress {
	var m nodeMeta
	if len(n.Meta) > 0 && json.Unmarshal(n.Meta, &m) == nil && m.NodeID != 0 {
		return group.MemberAddress{NodeID: group.NodeID(m.NodeID), Pid: m.Pid}
	}
	// Peer without usable metadata; fall back to a name-derived id so the
	// view still accounts for it.
	logutil.Warnf(s.opts.Logger, "member %q carries no address metadata", n.Name)
	return group.MemberAddress{NodeID: hashNodeID(n.Name)}
}

// eventDelegate receives membership notifications on substrate goroutines and
// converts them into queued view-change events.
type eventDelegate struct {
	s *Session
}

func (d *eventDelegate) NotifyJoin(n *memberlist.Node) {
	if n == nil {
		return
	}
	s := d.s
	addr := s.memberAddress(n)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.members[n.Name] = addr
	snap := group.Snapshot{
		View:   s.snapshotLocked(),
		Joined: []group.MemberAddress{addr},
	}
	s.queue = append(s.queue, event{kind: eventViewChange, snap: snap})
	s.arm()
	s.mu.Unlock()
}

func (d *eventDelegate) NotifyLeave(n *memberlist.Node) {
	if n == nil {
		return
	}
	s := d.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	addr, known := s.members[n.Name]
	if !known {
		addr = s.memberAddress(n)
	}
	delete(s.members, n.Name)
	snap := group.Snapshot{
		View: s.snapshotLocked(),
		Left: []group.MemberAddress{addr},
	}
	s.queue = append(s.queue, event{kind: eventViewChange, snap: snap})
	s.arm()
	s.mu.Unlock()
}

func (d *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	if n == nil {
		return
	}
	// Metadata refresh only; the view itself is unchanged so no snapshot is
	// delivered.
	s := d.s
	addr := s.memberAddress(n)
	s.mu.Lock()
	if !s.closed {
		s.members[n.Name] = addr
	}
	s.mu.Unlock()
}

// nodeDelegate exposes node metadata and carries group messages.
type nodeDelegate struct {
	s *Session
}

func (d *nodeDelegate) NodeMeta(limit int) []byte {
	if len(d.s.meta) <= limit {
		return d.s.meta
	}
	if limit <= 0 {
		return nil
	}
	return d.s.meta[:limit]
}

func (d *nodeDelegate) NotifyMsg(b []byte) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		logutil.Warnf(d.s.opts.Logger, "dropping malformed group message: %v", err)
		return
	}
	from := group.MemberAddress{NodeID: group.NodeID(env.NodeID), Pid: env.Pid}
	d.s.enqueue(event{kind: eventDeliver, from: from, payload: env.Data})
}

func (d *nodeDelegate) GetBroadcasts(overhead, limit int) [][]byte {
	return d.s.bcast.GetBroadcasts(overhead, limit)
}

func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}

// broadcast adapts an encoded envelope to memberlist's broadcast queue.
type broadcast struct {
	msg []byte
}

func (b *broadcast) Invalidates(other memberlist.Broadcast) bool { return false }
func (b *broadcast) Message() []byte                             { return b.msg }
func (b *broadcast) Finished()                                   {}

func hashNodeID(name string) group.NodeID {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	id := h.Sum32()
	if id == 0 {
		id = 1
	}
	return group.NodeID(id)
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	if err != nil || p < 0 || p > 65535 {
		return 0, fmt.Errorf("group: invalid port %q", s)
	}
	return p, nil
}

var _ group.Session = (*Session)(nil)
