package visa

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

var (
	metricBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "visa",
		Name:      "bytes_total",
		Help:      "Bytes transferred by sessions.",
	}, []string{"direction"})

	metricOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "visa",
		Name:      "operations_total",
		Help:      "Session operations by outcome.",
	}, []string{"op", "outcome"})

	metricSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visa",
		Name:      "sessions_open",
		Help:      "Currently open sessions.",
	})

	metricEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "visa",
		Name:      "events_dropped_total",
		Help:      "Events dropped because a queue was full.",
	})
)

// RegisterMetrics registers the package collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	var err error
	for _, c := range []prometheus.Collector{metricBytes, metricOps, metricSessions, metricEventsDropped} {
		err = multierr.Append(err, reg.Register(c))
	}
	return err
}

func observe(op string, st Status) {
	metricOps.WithLabelValues(op, st.Outcome().String()).Inc()
}
