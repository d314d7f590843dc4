package postprocess

import "github.com/prometheus/client_golang/prometheus"

var (
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cooked_postprocess",
			Name:      "stage_duration_seconds",
			Help:      "Histogram of the time each post-process stage takes.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cooked_postprocess",
			Name:      "runs_total",
			Help:      "Total number of post-process runs, by whether the document changed.",
		},
		[]string{"dirty"},
	)
)

func init() {
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(runs)
}
