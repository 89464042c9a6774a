package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activeSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "arrowgate_sessions_active",
	Help: "Number of active client sessions",
})

var sessionsReapedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arrowgate_sessions_reaped_total",
	Help: "Number of client sessions reaped",
}, []string{"trigger"})

var preparedStatementsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "arrowgate_prepared_statements_active",
	Help: "Number of live prepared statements in the registry",
})

var queriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "arrowgate_queries_total",
	Help: "Number of statements executed, by kind",
}, []string{"kind"})

var streamedBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "arrowgate_streamed_batches_total",
	Help: "Number of record batches relayed to clients",
})

func observeActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessionsGauge.Set(float64(count))
}

func observeSessionsReaped(trigger string, count int) {
	if count <= 0 {
		return
	}
	sessionsReapedCounter.WithLabelValues(trigger).Add(float64(count))
}
