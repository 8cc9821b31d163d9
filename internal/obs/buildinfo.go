package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "formaos_build_info",
			Help: "FormaOS automation service build information.",
		},
		[]string{"version", "commit", "environment"},
	)
)

// InitBuildInfo registers formaos_build_info once and sets it to 1 for the labels given.
func InitBuildInfo(version, commit, environment string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit, environment).Set(1)
}
