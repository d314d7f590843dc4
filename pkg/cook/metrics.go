package cook

import "github.com/prometheus/client_golang/prometheus"

var cookDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "cooked_render",
		Name:      "cook_duration_seconds",
		Help:      "Histogram of the time it takes to cook raw markup.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"sanitized"},
)

func init() {
	prometheus.MustRegister(cookDuration)
}
