package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusSink mirrors live metric updates as prometheus gauges labelled by
// test and metric name, so a scrape always sees the current value.
type PrometheusSink struct {
	current *prometheus.GaugeVec
}

func NewPrometheusSink(registerer prometheus.Registerer) *PrometheusSink {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusSink{
		current: promauto.With(registerer).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "printload_metric_current",
				Help: "Most recent value observed for each (test, metric) pair.",
			},
			[]string{"test", "metric"},
		),
	}
}

func (s *PrometheusSink) PushMetric(testID, name string, value float64) error {
	s.current.WithLabelValues(testID, name).Set(value)
	return nil
}
