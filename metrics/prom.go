package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_paste_retrieved_total",
		Help: "no. of pastes retrieved",
	})
	PasteBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_paste_burned_total",
		Help: "no. of pastes burned on first read",
	})
	PasteGone = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastevault_paste_gone_total",
			Help: "no. of reads refused on dead pastes",
		},
		[]string{"reason"},
	)
	TombstoneHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_tombstone_hits_total",
		Help: "no. of reads short-circuited by a tombstone",
	})
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_sweep_cycles_total",
		Help: "no. of expiry sweep cycles",
	})
	SweepDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastevault_sweep_deleted_total",
		Help: "no. of rows removed by the expiry sweep",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastevault_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastevault_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	AtRestOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastevault_at_rest_operations_total",
			Help: "no. of at-rest wrap/unwrap operations",
		},
		[]string{"operation"},
	)
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastevault_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
