package fabric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fabric-wide Prometheus collectors, registered on the default registerer so
// embedding code only has to expose /metrics.
var (
	serviceHealthScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "torrentcore_service_health_score",
		Help: "Current health score per service, in [0, 1].",
	}, []string{"service"})

	serviceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torrentcore_service_errors_total",
		Help: "Errors recorded per service.",
	}, []string{"service"})

	peersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "torrentcore_peers_active",
		Help: "Active peer connections tracked by the peer service.",
	})

	peerBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torrentcore_peer_bytes_total",
		Help: "Bytes transferred across all peers, by direction.",
	}, []string{"direction"})

	storageOperationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "torrentcore_storage_operations_active",
		Help: "Storage operations queued or executing.",
	})

	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torrentcore_storage_operations_total",
		Help: "Completed storage operations, by outcome.",
	}, []string{"outcome"})

	trackerAnnounces = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torrentcore_tracker_announces_total",
		Help: "Tracker announces, by outcome.",
	}, []string{"outcome"})
)
