package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles Prometheus metrics for routing calls, avoidance passes
// and feed loads. A nil *Collector is valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	RoutingRequests  *prometheus.CounterVec
	RoutingDurations *prometheus.HistogramVec
	Passes           *prometheus.CounterVec
	PassIterations   *prometheus.HistogramVec
	FeedPoints       *prometheus.GaugeVec
	FeedErrors       *prometheus.CounterVec
}

// NewCollector registers metrics against the provided registerer, defaulting
// to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detour_routing_requests_total",
		Help: "Total number of routing service calls, labeled by result.",
	}, []string{"result"}), "detour_routing_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "detour_routing_request_duration_seconds",
		Help:    "Routing service call latency in seconds.",
		Buckets: []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"result"}), "detour_routing_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	passes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detour_avoidance_passes_total",
		Help: "Total number of avoidance passes, labeled by terminal outcome.",
	}, []string{"outcome"}), "detour_avoidance_passes_total")
	if err != nil {
		return nil, err
	}

	iterations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "detour_avoidance_iterations",
		Help:    "Reroute iterations used per avoidance pass.",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 20, 50},
	}, []string{"outcome"}), "detour_avoidance_iterations")
	if err != nil {
		return nil, err
	}

	feedPoints, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "detour_feed_points",
		Help: "Number of avoidance points in the most recent load of each feed.",
	}, []string{"feed"}), "detour_feed_points")
	if err != nil {
		return nil, err
	}

	feedErrors, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detour_feed_load_errors_total",
		Help: "Total number of failed feed loads.",
	}, []string{"feed"}), "detour_feed_load_errors_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:         gatherer,
		RoutingRequests:  requests,
		RoutingDurations: durations,
		Passes:           passes,
		PassIterations:   iterations,
		FeedPoints:       feedPoints,
		FeedErrors:       feedErrors,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveRoutingCall records one call to the routing service.
func (c *Collector) ObserveRoutingCall(ok bool, elapsed time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.RoutingRequests.WithLabelValues(result).Inc()
	c.RoutingDurations.WithLabelValues(result).Observe(elapsed.Seconds())
}

// ObservePass records the outcome of a finished avoidance pass.
func (c *Collector) ObservePass(outcome string, iterations int) {
	if c == nil {
		return
	}
	c.Passes.WithLabelValues(outcome).Inc()
	c.PassIterations.WithLabelValues(outcome).Observe(float64(iterations))
}

// SetFeedPoints records the size of a feed after filtering.
func (c *Collector) SetFeedPoints(feedID string, count int) {
	if c == nil {
		return
	}
	c.FeedPoints.WithLabelValues(feedID).Set(float64(count))
}

// IncFeedErrors records a failed feed load.
func (c *Collector) IncFeedErrors(feedID string) {
	if c == nil {
		return
	}
	c.FeedErrors.WithLabelValues(feedID).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
