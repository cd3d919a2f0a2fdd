package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	toolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpilot_tool_calls_total",
		Help: "External tool calls by tool and status",
	}, []string{"tool", "status"})

	toolCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantpilot_tool_call_latency_ms",
		Help:    "External tool call latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 25000},
	}, []string{"tool"})

	productCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpilot_product_cache_requests_total",
		Help: "Product list cache requests by outcome",
	}, []string{"outcome"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpilot_runs_total",
		Help: "Pipeline runs by terminal status",
	}, []string{"status"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quantpilot_run_duration_seconds",
		Help:    "End-to-end pipeline run duration",
		Buckets: []float64{1, 5, 10, 20, 40, 60, 90, 120, 300},
	})

	nodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantpilot_node_duration_seconds",
		Help:    "Per-node pipeline duration",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 25, 60},
	}, []string{"node"})

	evalScores = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantpilot_eval_score",
		Help:    "Eval scores by category",
		Buckets: []float64{0, 0.25, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	}, []string{"category"})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantpilot_commands_total",
		Help: "Command endpoint requests by intent and status",
	}, []string{"intent", "status"})
)

// RecordToolCall records one external call outcome.
func RecordToolCall(tool, status string, latencyMS float64) {
	toolCallsTotal.WithLabelValues(tool, status).Inc()
	toolCallLatency.WithLabelValues(tool).Observe(latencyMS)
}

// RecordCacheOutcome records a product-cache hit or miss.
func RecordCacheOutcome(outcome string) {
	productCacheHits.WithLabelValues(outcome).Inc()
}

// RecordRun records a run reaching a terminal status.
func RecordRun(status string, durationSec float64) {
	runsTotal.WithLabelValues(status).Inc()
	runDuration.Observe(durationSec)
}

// RecordNode records a completed node's duration.
func RecordNode(node string, durationSec float64) {
	nodeDuration.WithLabelValues(node).Observe(durationSec)
}

// RecordEvalScore records one eval result.
func RecordEvalScore(category string, score float64) {
	evalScores.WithLabelValues(category).Observe(score)
}

// RecordCommand records one command endpoint dispatch.
func RecordCommand(intent, status string) {
	commandsTotal.WithLabelValues(intent, status).Inc()
}
