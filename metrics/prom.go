package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DistributionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leakmark_distributions_created_total",
		Help: "no. of distributions created",
	})
	CopiesFingerprinted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leakmark_copies_fingerprinted_total",
			Help: "no. of recipient copies fingerprinted",
		},
		[]string{"media"},
	)
	ScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leakmark_scans_total",
		Help: "no. of scan requests",
	})
	AttributionResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leakmark_attribution_results_total",
			Help: "scan outcomes by status",
		},
		[]string{"status"},
	)
	BundleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leakmark_bundle_cache_hits_total",
		Help: "no. of bundle cache hits",
	})
	BundleCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "leakmark_bundle_cache_misses_total",
		Help: "no. of bundle cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leakmark_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leakmark_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leakmark_encryption_operations_total",
			Help: "no. of encryption/decryption operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "leakmark_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
