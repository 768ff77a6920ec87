package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	GroupMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cpgagent",
		Name:      "group_members",
		Help:      "Number of members in the last delivered group view",
	})

	IsPrimary = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cpgagent",
		Name:      "is_primary",
		Help:      "1 if the local database is the primary, else 0",
	})

	ViewChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cpgagent",
		Name:      "view_changes_total",
		Help:      "Total number of delivered membership view changes",
	})

	Dispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cpgagent",
		Name:      "dispatches_total",
		Help:      "Total dispatch attempts by the event loop",
	}, []string{"result"})

	RoleTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cpgagent",
		Name:      "role_transitions_total",
		Help:      "Total observed role transitions of the local database",
	}, []string{"direction"})

	ConninfoPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cpgagent",
		Subsystem: "conninfo",
		Name:      "published_total",
		Help:      "Total primary conninfo broadcasts sent to the group",
	})
	ConninfoApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cpgagent",
		Subsystem: "conninfo",
		Name:      "applied_total",
		Help:      "Total primary conninfo updates applied to the local standby",
	})

	ConfigReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cpgagent",
		Name:      "config_reloads_total",
		Help:      "Total configuration reload attempts",
	}, []string{"result"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(GroupMembers)
		prometheus.MustRegister(IsPrimary)
		prometheus.MustRegister(ViewChanges)
		prometheus.MustRegister(Dispatches)
		prometheus.MustRegister(RoleTransitions)
		prometheus.MustRegister(ConninfoPublished)
		prometheus.MustRegister(ConninfoApplied)
		prometheus.MustRegister(ConfigReloads)
	})
}
