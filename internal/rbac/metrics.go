package rbac

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsMu          sync.Mutex
	metricsInitialized bool

	cacheLookupCounter   *prometheus.CounterVec
	resolutionHistogram  *prometheus.HistogramVec
	invalidationsCounter prometheus.Counter
	metricsError         error
)

// SetupMetrics registers resolution and cache metrics. The registration is
// performed once and subsequent calls are ignored.
func SetupMetrics(reg prometheus.Registerer) error {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metricsInitialized {
		return metricsError
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cacheLookupCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_rbac_cache_lookups_total",
		Help: "Effective permission cache lookups by result.",
	}, []string{"result"})
	resolutionHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_rbac_resolution_duration_seconds",
		Help:    "Duration of effective permission resolution.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	invalidationsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_rbac_cache_invalidations_total",
		Help: "Users whose cached permissions were invalidated.",
	})

	for _, collector := range []prometheus.Collector{cacheLookupCounter, resolutionHistogram, invalidationsCounter} {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				switch c := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					cacheLookupCounter = c
				case *prometheus.HistogramVec:
					resolutionHistogram = c
				case prometheus.Counter:
					invalidationsCounter = c
				default:
					metricsError = fmt.Errorf("rbac metrics: unexpected collector type %T", c)
				}
				continue
			}
			metricsError = err
			cacheLookupCounter = nil
			resolutionHistogram = nil
			invalidationsCounter = nil
			metricsInitialized = true
			return metricsError
		}
	}
	metricsInitialized = true
	return metricsError
}

func recordCacheLookup(result string) {
	if cacheLookupCounter == nil {
		return
	}
	cacheLookupCounter.WithLabelValues(result).Inc()
}

func observeResolution(outcome string, d time.Duration) {
	if resolutionHistogram == nil {
		return
	}
	resolutionHistogram.WithLabelValues(outcome).Observe(d.Seconds())
}

func recordInvalidations(n int) {
	if invalidationsCounter == nil {
		return
	}
	invalidationsCounter.Add(float64(n))
}
