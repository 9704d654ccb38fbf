package metrics

import (
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// HTTP records API request counts, latencies and concurrency.
type HTTP struct {
	requests *prom.CounterVec
	duration *prom.HistogramVec
	inFlight prom.Gauge
}

// NewHTTP creates the request collectors under namespace and registers them
// with reg, reusing existing ones. A nil reg means the default registerer.
func NewHTTP(namespace string, reg prom.Registerer) (*HTTP, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	requests := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})
	duration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prom.DefBuckets,
	}, []string{"method", "path"})
	inFlight := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "HTTP requests currently being served.",
	})

	var err error
	if requests, err = registerCollector(reg, requests); err != nil {
		return nil, err
	}
	if duration, err = registerCollector(reg, duration); err != nil {
		return nil, err
	}
	if inFlight, err = registerCollector(reg, inFlight); err != nil {
		return nil, err
	}
	return &HTTP{requests: requests, duration: duration, inFlight: inFlight}, nil
}

// Start marks a request as in flight. Call the returned func with the final
// status once it is served. route should be a pattern, not a raw path.
func (m *HTTP) Start(method string) func(route string, status int) {
	if m == nil {
		return func(string, int) {}
	}
	start := time.Now()
	m.inFlight.Inc()
	return func(route string, status int) {
		m.inFlight.Dec()
		route = normalizeLabel(route, "unmatched")
		m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
		m.duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
