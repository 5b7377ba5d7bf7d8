package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	partitionLag         *prometheus.GaugeVec
	consumeCycleDuration prometheus.Histogram
	commitPlanDuration   prometheus.Histogram
	fetchErrors          *prometheus.CounterVec
	recordsRegistered    prometheus.Counter
	recordsSucceeded     prometheus.Counter
	recordsFailed        prometheus.Counter
	inFlight             prometheus.GaugeFunc
	committedOffset      *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer, inFlightFn func() float64) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		partitionLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parallelconsumer",
			Name:      "partition_lag",
			Help:      "Lag, in records, between the partition's last produced offset and the committed offset.",
		}, []string{"partition"}),
		consumeCycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:                   "parallelconsumer",
			Name:                        "consume_cycle_duration_seconds",
			Help:                        "Time spent in one consume cycle.",
			NativeHistogramBucketFactor: 1.1,
		}),
		commitPlanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:                   "parallelconsumer",
			Name:                        "commit_plan_duration_seconds",
			Help:                        "Time spent computing and submitting a commit plan.",
			NativeHistogramBucketFactor: 1.1,
		}),
		fetchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "parallelconsumer",
			Name:      "fetch_errors_total",
			Help:      "Total number of fetch errors by partition.",
		}, []string{"partition"}),
		recordsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "parallelconsumer",
			Name:      "records_registered_total",
			Help:      "Total number of records registered with the work manager.",
		}),
		recordsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "parallelconsumer",
			Name:      "records_succeeded_total",
			Help:      "Total number of records that completed successfully.",
		}),
		recordsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "parallelconsumer",
			Name:      "records_failed_total",
			Help:      "Total number of record attempts that failed.",
		}),
		inFlight: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "parallelconsumer",
			Name:      "in_flight_count",
			Help:      "Number of containers currently handed to workers.",
		}, inFlightFn),
		committedOffset: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "parallelconsumer",
			Name:      "committed_offset",
			Help:      "Last offset committed to the broker, per partition.",
		}, []string{"partition"}),
	}
}
