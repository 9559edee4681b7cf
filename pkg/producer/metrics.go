package producer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesProduced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "producer",
		Name:      "messages_total",
		Help:      "Messages accepted by the cluster.",
	})
)
