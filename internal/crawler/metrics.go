package crawler

import "github.com/prometheus/client_golang/prometheus"

// Prometheus crawler metrics.
var (
	crawlRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsip_crawl_runs_total",
			Help: "Completed crawl cycles, by result.",
		},
		[]string{"result"},
	)
	crawlDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshsip_crawl_duration_seconds",
			Help:    "Duration of a crawl cycle.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
	crawlNodesVisited = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshsip_crawl_nodes_visited",
			Help: "Nodes visited by the last crawl.",
		},
	)
	crawlNodesUnreachable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshsip_crawl_nodes_unreachable",
			Help: "Nodes that did not answer during the last crawl.",
		},
	)
	topologyNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshsip_topology_nodes",
			Help: "Nodes in the topology store.",
		},
	)
	topologyConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshsip_topology_connections",
			Help: "Connections in the topology store.",
		},
	)
)

func init() {
	prometheus.MustRegister(crawlRunsTotal)
	prometheus.MustRegister(crawlDuration)
	prometheus.MustRegister(crawlNodesVisited)
	prometheus.MustRegister(crawlNodesUnreachable)
	prometheus.MustRegister(topologyNodes)
	prometheus.MustRegister(topologyConnections)
}
