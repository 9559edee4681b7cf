package conn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

var (
	metricConnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "conn",
		Name:      "connects_total",
		Help:      "Broker connection attempts by outcome.",
	}, []string{"outcome"})
	metricDisconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "conn",
		Name:      "disconnects_total",
		Help:      "Broker connections closed, deliberately or not.",
	})
	metricRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "conn",
		Name:      "requests_total",
		Help:      "Requests written, by API name.",
	}, []string{"api"})
	metricBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "conn",
		Name:      "bytes_out_total",
		Help:      "Bytes written to brokers.",
	})
	metricBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "kafkaclient",
		Subsystem: "conn",
		Name:      "bytes_in_total",
		Help:      "Bytes read from brokers.",
	})
)
