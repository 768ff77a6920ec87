package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pgha/cpgagent/pkg/group"
	"github.com/pgha/cpgagent/pkg/internal/logutil"
	"github.com/pgha/cpgagent/pkg/observability/metrics"
)

// conninfoMsg is the group message a primary broadcasts so standbys can
// repoint primary_conninfo without external orchestration.
type conninfoMsg struct {
	Conninfo string `json:"conninfo"`
}

// applyTimeout bounds the ALTER SYSTEM + reload round-trip on delivery.
const applyTimeout = 5 * time.Second

// publishConninfo announces this node as the primary. A node with no
// configured conninfo stays silent.
func (a *Agent) publishConninfo() {
	if a.opts.Conninfo == "" || a.sess == nil {
		return
	}
	b, err := json.Marshal(conninfoMsg{Conninfo: a.opts.Conninfo})
	if err != nil {
		logutil.Errorf(a.opts.Logger, "encode conninfo message: %v", err)
		return
	}
	if err := a.sess.Publish(b); err != nil {
		logutil.Warnf(a.opts.Logger, "publish conninfo to group: %v", err)
		return
	}
	metrics.ConninfoPublished.Inc()
	logutil.Infof(a.opts.Logger, "published primary conninfo to the group")
}

// onDeliver is the message-delivery callback. It runs inside DispatchOne on
// the loop goroutine, one message at a time in delivery order.
func (a *Agent) onDeliver(from group.MemberAddress, payload []byte) {
	if from == a.sess.Local() {
		logutil.Debugf(a.opts.Logger, "ignoring own group message")
		return
	}
	var msg conninfoMsg
	if err := json.Unmarshal(payload, &msg); err != nil {
		logutil.Warnf(a.opts.Logger, "dropping unparseable message from %s: %v", from, err)
		return
	}
	if msg.Conninfo == "" {
		return
	}
	a.snap.setPrimary(from.String(), msg.Conninfo)
	logutil.Infof(a.opts.Logger, "member %s announced itself primary", from)

	if !a.inRecovery {
		// Two members claiming the primary role is for the operator to
		// untangle; the agent only reports it.
		logutil.Warnf(a.opts.Logger, "conninfo received from %s while not in recovery", from)
		return
	}
	if a.opts.Applier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	if err := a.opts.Applier.ApplyPrimaryConninfo(ctx, msg.Conninfo); err != nil {
		logutil.Errorf(a.opts.Logger, "apply primary conninfo from %s: %v", from, err)
		return
	}
	metrics.ConninfoApplied.Inc()
	logutil.Infof(a.opts.Logger, "primary_conninfo repointed at %s", from)
}
