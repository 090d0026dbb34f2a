package sip

import "github.com/prometheus/client_golang/prometheus"

// Prometheus SIP metrics.
var (
	sipRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsip_sip_requests_total",
			Help: "SIP requests received, by method.",
		},
		[]string{"method"},
	)
	sipResponsesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsip_sip_responses_sent_total",
			Help: "Locally generated SIP responses, by status code.",
		},
		[]string{"code"},
	)
	sipDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshsip_sip_dropped_total",
			Help: "Datagrams dropped without a reply, by reason.",
		},
		[]string{"reason"},
	)
	sipActiveCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshsip_sip_active_calls",
			Help: "Call sessions currently occupying a slot.",
		},
	)
)

func init() {
	prometheus.MustRegister(sipRequestsTotal)
	prometheus.MustRegister(sipResponsesSentTotal)
	prometheus.MustRegister(sipDroppedTotal)
	prometheus.MustRegister(sipActiveCalls)
}
