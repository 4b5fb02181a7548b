// Package metrics exposes instrumentation engine counters as prometheus
// collectors. Registration is optional; unregistered counters are
// plain atomics and cost one add on the paths that touch them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "probekit"

var (
	ProbeFires = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_fires_total",
		Help:      "Probe traps dispatched to handlers, by probe kind.",
	}, []string{"kind"})

	// Pre bound label values, so trap paths skip the label lookup.
	KprobeFires    = ProbeFires.WithLabelValues("kprobe")
	KretprobeFires = ProbeFires.WithLabelValues("kretprobe")
	UprobeFires    = ProbeFires.WithLabelValues("uprobe")

	RetprobeMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retprobe_misses_total",
		Help:      "Return traps that found no matching retprobe instance.",
	})

	RetprobeDrained = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retprobe_drained_total",
		Help:      "Retprobe instances reclaimed at task teardown.",
	})

	RingbufEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ringbuf_evictions_total",
		Help:      "Records evicted to make room in ring buffer maps.",
	})

	TraceRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trace_records_total",
		Help:      "Records committed to the trace buffer.",
	})

	FilterDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "filter_drops_total",
		Help:      "Events rejected by a tracepoint filter predicate.",
	})

	PipeLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trace_pipe_lost_total",
		Help:      "Records overwritten before a trace_pipe reader consumed them.",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ProbeFires,
		RetprobeMisses,
		RetprobeDrained,
		RingbufEvictions,
		TraceRecords,
		FilterDrops,
		PipeLost,
	}
}

// Register registers all engine collectors with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister is Register for process-lifetime registries.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(collectors()...)
}
