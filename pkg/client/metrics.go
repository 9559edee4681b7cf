package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMetadataRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "client",
		Name:      "metadata_refreshes_total",
		Help:      "Metadata cache rebuilds.",
	})
	metricRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "client",
		Name:      "retries_total",
		Help:      "Retry attempts by operation.",
	}, []string{"op"})
)
