// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatstream_stream_duration_seconds",
			Help:    "Total time a stream stayed open in seconds",
			Buckets: []float64{1, 2.5, 5, 10, 15, 20, 25, 30, 40, 50, 75, 100, 150, 200, 350, 400, 500, 600},
		},
		[]string{"model", "status"},
	)

	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatstream_time_to_first_token_seconds",
			Help:    "Time to first token in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 15, 20, 25, 30, 40, 50, 75, 100, 150, 200, 350, 400, 500, 600},
		},
		[]string{"model"},
	)

	SettledTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_settled_tokens_total",
			Help: "Tokens deducted from user balances",
		},
		[]string{"model", "data_source"},
	)

	ExchangeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_exchange_count_total",
			Help: "Exchanges by terminal status",
		},
		[]string{"model", "status"},
	)

	RejectedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_rejected_requests_total",
			Help: "Requests rejected before streaming began",
		},
		[]string{"reason"},
	)

	Heartbeats = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatstream_heartbeats_total",
			Help: "Keepalive events written",
		},
	)

	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_disconnects_total",
			Help: "Connections declared dead",
		},
		[]string{"reason"},
	)

	InflightStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatstream_inflight_streams",
			Help: "Current open streams",
		},
		[]string{"user_id"},
	)

	TitlesGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_titles_total",
			Help: "Session title attempts",
		},
		[]string{"result"},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_error_count",
			Help: "Error count",
		},
		[]string{"model", "user_id", "from"},
	)
	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatstream_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)
)
