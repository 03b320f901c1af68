package metrics

import (
	"tagpin/pkg/mux"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tagpin"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	ResolveRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolve_requests_total",
		Help:      "Total number of resolve requests by how they were served.",
	}, []string{"source"})

	ResolveDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "resolve_duration_seconds",
		Help:      "The duration for a lookup to resolve to a digest.",
	}, []string{"outcome"})

	InflightLookups = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "inflight_lookups",
		Help:      "Number of lookups currently in flight to the hashing service.",
	})

	StorePutFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_put_failures_total",
		Help:      "Total number of failed mapping writes to the store.",
	})

	WorkflowFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_failures_total",
		Help:      "Total number of workflows that entered the terminal failed state.",
	}, []string{"reason"})

	RestoredMappingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "restored_mappings_total",
		Help:      "Total number of tag mappings restored from the store on restart.",
	})

	ActiveWorkflows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_workflows",
		Help:      "Number of workflows with a live resolver instance.",
	})
)

func Register() {
	DefaultRegisterer.MustRegister(ResolveRequestsTotal)
	DefaultRegisterer.MustRegister(ResolveDurHistogram)
	DefaultRegisterer.MustRegister(InflightLookups)
	DefaultRegisterer.MustRegister(StorePutFailuresTotal)
	DefaultRegisterer.MustRegister(WorkflowFailuresTotal)
	DefaultRegisterer.MustRegister(RestoredMappingsTotal)
	DefaultRegisterer.MustRegister(ActiveWorkflows)
	mux.RegisterMetrics(DefaultRegisterer)
}
