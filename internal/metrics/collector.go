package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klarinet/klarinet-cache/internal/worker"
)

const namespace = "klarinet"

// Collector records engine and proxy events. It implements worker.Recorder.
type Collector struct {
	registry *prometheus.Registry

	strategyCounter   *prometheus.CounterVec
	strategyDuration  *prometheus.HistogramVec
	fetchCounter      *prometheus.CounterVec
	revalidateCounter *prometheus.CounterVec
	lifecycleCounter  *prometheus.CounterVec
	evictionCounter   *prometheus.CounterVec
	requestCounter    *prometheus.CounterVec
}

var _ worker.Recorder = (*Collector)(nil)

// NewCollector creates the metrics and registers them, together with the Go
// runtime collectors, on a new registry.
func NewCollector() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		strategyCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_responses_total",
			Help:      "Intercepted requests by strategy and response source.",
		}, []string{"strategy", "source"}),
		strategyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "strategy_duration_seconds",
			Help:      "Time to answer an intercepted request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		fetchCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "network_fetches_total",
			Help:      "Network fetches issued by the worker by outcome.",
		}, []string{"outcome"}),
		revalidateCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revalidations_total",
			Help:      "Background revalidations by result.",
		}, []string{"result"}),
		lifecycleCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_transitions_total",
			Help:      "Worker lifecycle transitions by target state.",
		}, []string{"state"}),
		evictionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_evictions_total",
			Help:      "Cache stores deleted on activation.",
		}, []string{"store"}),
		requestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Proxied requests by origin, interception and status code.",
		}, []string{"origin", "handled", "code"}),
	}

	all := []prometheus.Collector{
		c.strategyCounter,
		c.strategyDuration,
		c.fetchCounter,
		c.revalidateCounter,
		c.lifecycleCounter,
		c.evictionCounter,
		c.requestCounter,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, collector := range all {
		if err := c.registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return c, nil
}

// Registry returns the private registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (c *Collector) ObserveStrategy(strategy worker.Strategy, source worker.Source, elapsed time.Duration) {
	c.strategyCounter.WithLabelValues(string(strategy), string(source)).Inc()
	c.strategyDuration.WithLabelValues(string(strategy)).Observe(elapsed.Seconds())
}

func (c *Collector) ObserveFetch(outcome worker.FetchOutcome) {
	c.fetchCounter.WithLabelValues(string(outcome)).Inc()
}

func (c *Collector) ObserveRevalidate(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.revalidateCounter.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveLifecycle(state worker.State) {
	c.lifecycleCounter.WithLabelValues(string(state)).Inc()
}

func (c *Collector) ObserveEviction(store string) {
	c.evictionCounter.WithLabelValues(store).Inc()
}

// ObserveRequest counts a request answered by the proxy.
func (c *Collector) ObserveRequest(origin string, handled bool, status int) {
	c.requestCounter.WithLabelValues(origin, strconv.FormatBool(handled), strconv.Itoa(status)).Inc()
}
