package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricJoins = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "consumer",
		Name:      "group_joins_total",
		Help:      "Completed join rounds.",
	})
	metricRebalances = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "consumer",
		Name:      "rebalances_total",
		Help:      "Rebalances observed by this member.",
	})
	metricCommits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "consumer",
		Name:      "offset_commits_total",
		Help:      "Successful offset commit requests.",
	})
	metricFetches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "consumer",
		Name:      "fetches_total",
		Help:      "Completed fetch requests.",
	})
	metricMessagesConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Messages delivered to streams.",
	})
)
