// Package agent holds the coordination core: a single-goroutine cooperative
// event loop multiplexing group events, local role sampling, signal-driven
// reload and termination, and the periodic wakeup interval.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pgha/cpgagent/pkg/config"
	"github.com/pgha/cpgagent/pkg/group"
	"github.com/pgha/cpgagent/pkg/host"
	"github.com/pgha/cpgagent/pkg/internal/logutil"
	"github.com/pgha/cpgagent/pkg/observability/metrics"
	"github.com/pgha/cpgagent/pkg/pgrole"
)

var (
	// ErrEvicted is returned when a delivered view shows this member in the
	// left list without a local leave: the substrate considers us
	// partitioned and the only sane reaction is to terminate.
	ErrEvicted = errors.New("agent: evicted from the closed process group")

	// ErrParentDied is returned when the supervising process disappears.
	ErrParentDied = errors.New("agent: parent process died")
)

// OpenSessionFunc joins the group with the agent's callbacks installed.
type OpenSessionFunc func(group.Callbacks) (group.Session, error)

// Options assembles an Agent.
type Options struct {
	// OpenSession joins the group when the loop starts (required).
	OpenSession OpenSessionFunc
	// Role samples the local database role (required).
	Role pgrole.Checker
	// Applier repoints the local standby at a new primary. Optional; when
	// nil, received conninfo is only recorded.
	Applier pgrole.Applier
	// Conninfo is broadcast to the group whenever this node is the primary.
	// Optional; empty disables publishing.
	Conninfo string
	// Config carries the reloadable options (required).
	Config *config.Config
	// Latch wakes the loop from signal handlers and peers (required).
	Latch *host.Latch
	// Signals carries the termination and reload flags (required).
	Signals *host.Signals
	// Parent closes when the supervising process dies. Optional.
	Parent <-chan struct{}
	// GroupName is reported in the management status.
	GroupName string
	// Logger is optional; log.Default() when nil.
	Logger *log.Logger
	// SetStatus overrides the process-title sink. Defaults to host.SetStatus.
	SetStatus func(string)
	// RoleTimeout bounds each role sample. Defaults to one second.
	RoleTimeout time.Duration
}

// Validate checks the required fields before New assembles the agent.
func (o Options) Validate() error {
	if o.OpenSession == nil {
		return errors.New("agent: nil OpenSession")
	}
	if o.Role == nil {
		return errors.New("agent: nil Role checker")
	}
	if o.Config == nil {
		return errors.New("agent: nil Config")
	}
	if o.Latch == nil {
		return errors.New("agent: nil Latch")
	}
	if o.Signals == nil {
		return errors.New("agent: nil Signals")
	}
	return nil
}

// Agent is the process-wide coordination context. All mutable state is owned
// by the Run goroutine; the only cross-goroutine surface is the read-locked
// status snapshot served to the management endpoint.
type Agent struct {
	opts Options
	sess group.Session

	members    int
	view       group.View
	inRecovery bool
	evicted    bool

	snap statusSnapshot
}

// New constructs an Agent from validated options. No network or database
// activity happens until Run.
func New(opts Options) (*Agent, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.SetStatus == nil {
		opts.SetStatus = host.SetStatus
	}
	if opts.RoleTimeout <= 0 {
		opts.RoleTimeout = time.Second
	}
	metrics.Register()
	a := &Agent{opts: opts}
	a.snap.init(opts.GroupName)
	return a, nil
}

func (a *Agent) callbacks() group.Callbacks {
	return group.Callbacks{
		OnViewChange: a.onViewChange,
		OnDeliver:    a.onDeliver,
	}
}

// Run joins the group, establishes the initial role and drives the event
// loop until termination. It returns nil on a graceful exit (SIGTERM or
// administrative leave) and an error on every abnormal one.
func (a *Agent) Run(ctx context.Context) error {
	logutil.Infof(a.opts.Logger, "starting")

	sess, err := a.opts.OpenSession(a.callbacks())
	if err != nil {
		return err
	}
	a.sess = sess
	defer sess.Close()
	a.snap.setLocal(sess.Local())

	inRecovery, err := a.sampleOnce(ctx)
	if err != nil {
		return fmt.Errorf("agent: initial role check: %w", err)
	}
	a.inRecovery = inRecovery
	a.refreshStatus()
	if !a.inRecovery {
		a.publishConninfo()
	}

	for {
		if ctx.Err() != nil || a.opts.Signals.TerminationRequested() {
			logutil.Infof(a.opts.Logger, "…and leaving")
			return nil
		}

		// Drain at most one pending group event without blocking. A burst
		// of k events takes k iterations, but the wait below returns
		// immediately while events remain pending.
		d, err := sess.DispatchOne()
		if err != nil {
			metrics.Dispatches.WithLabelValues("fatal").Inc()
			return fmt.Errorf("agent: dispatching callback failed: %w", err)
		}
		switch d {
		case group.Delivered:
			metrics.Dispatches.WithLabelValues("delivered").Inc()
			logutil.Debugf(a.opts.Logger, "dispatched one event")
		default:
			metrics.Dispatches.WithLabelValues("idle").Inc()
		}
		if a.evicted {
			return ErrEvicted
		}

		a.sampleRole(ctx)
		a.handleReload()

		if w := host.WaitMulti(a.opts.Latch, sess.Ready(), a.opts.Config.Interval(), a.opts.Parent); w == host.WakeParentDeath {
			return ErrParentDied
		}
		a.opts.Latch.Reset()
	}
}

// onViewChange is the membership observer. It runs inside DispatchOne on the
// loop goroutine.
func (a *Agent) onViewChange(s group.Snapshot) {
	a.members = len(s.View)
	a.view = s.View
	metrics.ViewChanges.Inc()

	logutil.Infof(a.opts.Logger, "%d join, %d left, procs in group now: %s",
		len(s.Joined), len(s.Left), s.View.Format())

	// An unsolicited appearance in the left list means the substrate evicted
	// us; the whole list is scanned, not just its head, so an eviction
	// reported behind another member's departure is still caught.
	self := a.sess.Local()
	for _, m := range s.Left {
		if m == self {
			a.evicted = true
			logutil.Errorf(a.opts.Logger, "I left the closed process group!")
			break
		}
	}

	a.refreshStatus()
}

// sampleOnce performs one bounded role check.
func (a *Agent) sampleOnce(ctx context.Context) (bool, error) {
	rctx, cancel := context.WithTimeout(ctx, a.opts.RoleTimeout)
	defer cancel()
	return a.opts.Role.InRecovery(rctx)
}

// sampleRole is the role observer: edge-triggered on in_recovery changes,
// with a quiet debug heartbeat otherwise. A failed sample keeps the last
// observed role; transient database hiccups must not flap the status.
func (a *Agent) sampleRole(ctx context.Context) {
	inRecovery, err := a.sampleOnce(ctx)
	if err != nil {
		logutil.Warnf(a.opts.Logger, "role check failed, keeping last role: %v", err)
		return
	}
	if inRecovery == a.inRecovery {
		logutil.Debugf(a.opts.Logger, "Hi!")
		return
	}
	a.inRecovery = inRecovery
	if inRecovery {
		logutil.Infof(a.opts.Logger, "I've been demoted!")
		metrics.RoleTransitions.WithLabelValues("demoted").Inc()
	} else {
		logutil.Infof(a.opts.Logger, "I've been promoted!")
		metrics.RoleTransitions.WithLabelValues("promoted").Inc()
		a.publishConninfo()
	}
	a.refreshStatus()
}

// handleReload services a pending SIGHUP. A rejected reload keeps the
// previous configuration.
func (a *Agent) handleReload() {
	if !a.opts.Signals.TakeReload() {
		return
	}
	old := a.opts.Config.Interval()
	if err := a.opts.Config.Reload(); err != nil {
		metrics.ConfigReloads.WithLabelValues("rejected").Inc()
		logutil.Warnf(a.opts.Logger, "configuration reload rejected: %v", err)
		return
	}
	metrics.ConfigReloads.WithLabelValues("ok").Inc()
	if cur := a.opts.Config.Interval(); cur != old {
		logutil.Infof(a.opts.Logger, "wakeup interval changed from %s to %s", old, cur)
	}
	a.snap.setInterval(a.opts.Config.Interval())
}
