package mirror

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "code_mirror",
		Subsystem: "pool",
		Name:      "downloads_total",
		Help:      "Download jobs completed, by outcome.",
	}, []string{"outcome"})

	downloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "code_mirror",
		Subsystem: "pool",
		Name:      "download_bytes_total",
		Help:      "Payload bytes committed to the store.",
	})

	syncPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "code_mirror",
		Subsystem: "sync",
		Name:      "passes_total",
		Help:      "Sync passes completed, by outcome.",
	}, []string{"outcome"})
)
