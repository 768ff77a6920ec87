package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/pgha/cpgagent/pkg/config"
	"github.com/pgha/cpgagent/pkg/group"
	"github.com/pgha/cpgagent/pkg/host"
	"github.com/pgha/cpgagent/pkg/observability/metrics"
)

// maxStatusBytes bounds the projected status string.
const maxStatusBytes = 128

// statusLine is the status projector: a pure function of the member count and
// the local role.
func statusLine(members int, inRecovery bool) string {
	var s string
	if inRecovery {
		s = fmt.Sprintf("[%d] Hello!", members)
	} else {
		s = fmt.Sprintf("[%d] I'm the primary!", members)
	}
	return host.Truncate(s, maxStatusBytes)
}

// refreshStatus pushes the projected line to the process title, the gauges
// and the management snapshot. Called at startup, on every membership change
// and on every role transition, so the title is never stale across a loop
// iteration boundary.
func (a *Agent) refreshStatus() {
	line := statusLine(a.members, a.inRecovery)
	a.opts.SetStatus(line)
	metrics.GroupMembers.Set(float64(a.members))
	if a.inRecovery {
		metrics.IsPrimary.Set(0)
	} else {
		metrics.IsPrimary.Set(1)
	}
	a.snap.update(line, a.members, a.view, a.inRecovery)
}

// Status is the JSON snapshot served on the management endpoint.
type Status struct {
	Group           string   `json:"group"`
	Node            string   `json:"node"`
	Title           string   `json:"title"`
	Members         int      `json:"members"`
	View            []string `json:"view"`
	InRecovery      bool     `json:"inRecovery"`
	IntervalSeconds int      `json:"intervalSeconds"`
	PrimaryConninfo string   `json:"primaryConninfo,omitempty"`
	PrimaryNode     string   `json:"primaryNode,omitempty"`
}

// Status returns the last projected snapshot. Safe for concurrent use; the
// management server reads it from its own goroutines.
func (a *Agent) Status() Status {
	return a.snap.get()
}

// statusSnapshot is the one piece of agent state shared across goroutines.
type statusSnapshot struct {
	mu sync.RWMutex
	st Status
}

func (s *statusSnapshot) init(groupName string) {
	if groupName == "" {
		groupName = group.DefaultName
	}
	s.st = Status{Group: groupName, IntervalSeconds: config.DefaultIntervalSeconds}
}

func (s *statusSnapshot) setLocal(addr group.MemberAddress) {
	s.mu.Lock()
	s.st.Node = addr.String()
	s.mu.Unlock()
}

func (s *statusSnapshot) setInterval(d time.Duration) {
	s.mu.Lock()
	s.st.IntervalSeconds = int(d / time.Second)
	s.mu.Unlock()
}

func (s *statusSnapshot) setPrimary(node, conninfo string) {
	s.mu.Lock()
	s.st.PrimaryNode = node
	s.st.PrimaryConninfo = conninfo
	s.mu.Unlock()
}

func (s *statusSnapshot) update(title string, members int, view group.View, inRecovery bool) {
	names := make([]string, len(view))
	for i, m := range view {
		names[i] = m.String()
	}
	s.mu.Lock()
	s.st.Title = title
	s.st.Members = members
	s.st.View = names
	s.st.InRecovery = inRecovery
	s.mu.Unlock()
}

func (s *statusSnapshot) get() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.st
	st.View = append([]string(nil), s.st.View...)
	return st
}
