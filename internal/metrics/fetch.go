package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Fetch records time fetch tasks spend waiting on per-host rate limits.
type Fetch struct {
	delay *prometheus.HistogramVec
}

// NewFetch registers the fetch collectors on reg.
func NewFetch(reg prometheus.Registerer) (*Fetch, error) {
	m := &Fetch{
		delay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawlgrid_fetch_rate_limit_delay_seconds",
				Help:    "Time spent waiting for a per-host rate limit slot.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"host"},
		),
	}
	if err := reg.Register(m.delay); err != nil {
		return nil, fmt.Errorf("register fetch collector: %w", err)
	}
	return m, nil
}

// ObserveDelay matches ratelimit.Config.Observer.
func (m *Fetch) ObserveDelay(host string, waited time.Duration) {
	m.delay.WithLabelValues(host).Observe(waited.Seconds())
}
