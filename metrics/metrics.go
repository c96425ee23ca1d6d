/*
Package metrics exposes settlement outcomes to Prometheus.

METRICS:
  waterfall_settlements_total{outcome}         settled / already_settled / in_progress / invalid / invariant / error
  waterfall_distributed_cents_total            cents assigned to parties
  waterfall_unallocated_cents_total            cents no term claimed
  waterfall_settlement_duration_seconds        Settle() wall time, successful runs only
  waterfall_settlement_transitions_total{from,to}
  waterfall_batch_runs_total
  waterfall_batch_last_run_timestamp_seconds

Prometheus implements waterfall.Recorder; hand it to the Settler.
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/waterfall-engine/waterfall"
)

const namespace = "waterfall"

// OutcomeSettled labels successful settlements.
const OutcomeSettled = "settled"

type Prometheus struct {
	registry *prometheus.Registry

	settlements  *prometheus.CounterVec
	distributed  prometheus.Counter
	unallocated  prometheus.Counter
	duration     prometheus.Histogram
	transitions  *prometheus.CounterVec
	batchRuns    prometheus.Counter
	batchLastRun prometheus.Gauge
}

// New creates the collectors on a private registry, together with the Go
// runtime and process collectors.
func New() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settlement attempts by outcome.",
		}, []string{"outcome"}),
		distributed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distributed_cents_total",
			Help:      "Cents assigned to parties by calculated settlements.",
		}),
		unallocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unallocated_cents_total",
			Help:      "Cents left unclaimed by any term.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Time to calculate and persist one settlement.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_transitions_total",
			Help:      "Settlement status changes.",
		}, []string{"from", "to"}),
		batchRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Scheduled or manual settlement batch runs.",
		}),
		batchLastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "batch_last_run_timestamp_seconds",
			Help:      "Unix time of the last finished batch run.",
		}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.settlements,
		p.distributed,
		p.unallocated,
		p.duration,
		p.transitions,
		p.batchRuns,
		p.batchLastRun,
	)
	return p
}

// Registry returns the registry the collectors live on.
func (p *Prometheus) Registry() *prometheus.Registry { return p.registry }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *Prometheus) SettlementCompleted(s *waterfall.Settlement, elapsed time.Duration) {
	p.settlements.WithLabelValues(OutcomeSettled).Inc()
	p.distributed.Add(float64(s.DistributedCents))
	p.unallocated.Add(float64(s.UnallocatedCents))
	p.duration.Observe(elapsed.Seconds())
}

func (p *Prometheus) SettlementRejected(_ waterfall.AgreementID, reason string) {
	p.settlements.WithLabelValues(reason).Inc()
}

func (p *Prometheus) StatusChanged(from, to waterfall.SettlementStatus) {
	p.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// BatchFinished records a completed batch run. Per-report outcomes are
// already counted through the Settler.
func (p *Prometheus) BatchFinished(_ waterfall.BatchResult, at time.Time) {
	p.batchRuns.Inc()
	p.batchLastRun.Set(float64(at.Unix()))
}

var _ waterfall.Recorder = (*Prometheus)(nil)
