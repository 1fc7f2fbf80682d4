package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the scheduling and payment counters exported on /metrics. A nil *Metrics records nothing.
type Metrics struct {
	ticks            *prometheus.CounterVec
	tickDuration     prometheus.Histogram
	payments         *prometheus.CounterVec
	scheduleAdvances *prometheus.CounterVec
	interestEntries  prometheus.Counter
	grantSetups      *prometheus.CounterVec
}

// NewMetrics registers the service's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ticks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stokvel",
			Name:      "schedule_ticks_total",
			Help:      "Schedule engine ticks by result.",
		}, []string{"result"}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stokvel",
			Name:      "schedule_tick_duration_seconds",
			Help:      "Wall time of a schedule engine tick.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		payments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stokvel",
			Name:      "payments_total",
			Help:      "Payment gateway calls made by the workers, by kind and result.",
		}, []string{"kind", "result"}),
		scheduleAdvances: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stokvel",
			Name:      "schedule_advances_total",
			Help:      "Schedule rows advanced after a successful occurrence.",
		}, []string{"kind"}),
		interestEntries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stokvel",
			Name:      "interest_entries_total",
			Help:      "Interest entries recorded.",
		}),
		grantSetups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stokvel",
			Name:      "grant_setups_total",
			Help:      "Grant setup requests by kind and result.",
		}, []string{"kind", "result"}),
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func (m *Metrics) observeTick(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observePayment(kind string, err error) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(kind, resultLabel(err)).Inc()
}

func (m *Metrics) observeAdvance(kind string) {
	if m == nil {
		return
	}
	m.scheduleAdvances.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeInterestEntry() {
	if m == nil {
		return
	}
	m.interestEntries.Inc()
}

func (m *Metrics) observeGrantSetup(kind string, err error) {
	if m == nil {
		return
	}
	m.grantSetups.WithLabelValues(kind, resultLabel(err)).Inc()
}
