// Package metrics collects and exposes Prometheus metrics for the
// pipeline stage runtime and the callout scheduler.
//
// Metric categories:
//
//   - Stage counters: events fetched/processed per stage, pause and
//     maintenance cycles, worker cancellations.
//   - Stage gauge: configured worker count. No gauge reports a stage's
//     lifecycle state.
//   - Task counters: submitted/executed/failed/cancelled callout tasks,
//     by class (urgent/timed/idle).
//   - Task histogram: task execution latency, for SLA and scheduling
//     jitter analysis.
//   - Scheduler gauges: urgent/timed/idle queue depth, sampled on demand
//     via UpdateQueueDepths.
//
// Exposed via /metrics, scraped by Prometheus in OpenMetrics/Prometheus
// text format.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects the module's Prometheus metrics. The zero value is
// not usable; construct with NewCollector.
type Collector struct {
	stageEventsFetched   *prometheus.CounterVec
	stageEventsProcessed *prometheus.CounterVec
	stagePauses          *prometheus.CounterVec
	stageMaintenances    *prometheus.CounterVec
	stageCancellations   *prometheus.CounterVec
	stageWorkers         *prometheus.GaugeVec

	tasksSubmitted *prometheus.CounterVec
	tasksExecuted  *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	tasksCancelled *prometheus.CounterVec
	taskLatency    prometheus.Histogram

	queueDepth *prometheus.GaugeVec
}

// NewCollector creates and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		stageEventsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_events_fetched_total",
			Help: "Total events a stage's Fetch callback returned, by stage name.",
		}, []string{"stage"}),
		stageEventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_events_processed_total",
			Help: "Total events a stage's Main callback processed, by stage name.",
		}, []string{"stage"}),
		stagePauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_pauses_total",
			Help: "Total pause cycles completed, by stage name.",
		}, []string{"stage"}),
		stageMaintenances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_maintenances_total",
			Help: "Total maintenance callbacks run under the pause barrier, by stage name.",
		}, []string{"stage"}),
		stageCancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_cancellations_total",
			Help: "Total worker cancellations observed at Wait, by stage name.",
		}, []string{"stage"}),
		stageWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_stage_workers",
			Help: "Configured worker count, by stage name.",
		}, []string{"stage"}),
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callout_tasks_submitted_total",
			Help: "Total callout tasks submitted, by class (urgent/timed/idle).",
		}, []string{"class"}),
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callout_tasks_executed_total",
			Help: "Total callout tasks that returned a non-negative result, by class.",
		}, []string{"class"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callout_tasks_failed_total",
			Help: "Total callout tasks that returned a negative result, by class.",
		}, []string{"class"}),
		tasksCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callout_tasks_cancelled_total",
			Help: "Total callout tasks cancelled before or during execution, by class.",
		}, []string{"class"}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callout_task_exec_latency_seconds",
			Help:    "Callout task proc execution latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "callout_queue_depth",
			Help: "Current depth of a callout scheduler queue, by queue name (urgent/timed/idle).",
		}, []string{"queue"}),
	}

	prometheus.MustRegister(
		c.stageEventsFetched,
		c.stageEventsProcessed,
		c.stagePauses,
		c.stageMaintenances,
		c.stageCancellations,
		c.stageWorkers,
		c.tasksSubmitted,
		c.tasksExecuted,
		c.tasksFailed,
		c.tasksCancelled,
		c.taskLatency,
		c.queueDepth,
	)

	return c
}

// RecordFetch records n events returned by a stage's Fetch callback.
func (c *Collector) RecordFetch(stage string, n int) {
	c.stageEventsFetched.WithLabelValues(stage).Add(float64(n))
}

// RecordProcessed records n events handled by a stage's Main callback.
func (c *Collector) RecordProcessed(stage string, n int) {
	c.stageEventsProcessed.WithLabelValues(stage).Add(float64(n))
}

// RecordPause records one completed pause cycle for stage.
func (c *Collector) RecordPause(stage string) {
	c.stagePauses.WithLabelValues(stage).Inc()
}

// RecordMaintenance records one completed maintenance callback for stage.
func (c *Collector) RecordMaintenance(stage string) {
	c.stageMaintenances.WithLabelValues(stage).Inc()
}

// RecordCancellation records one worker cancellation observed at Wait.
func (c *Collector) RecordCancellation(stage string) {
	c.stageCancellations.WithLabelValues(stage).Inc()
}

// SetWorkerCount records a stage's configured worker count.
func (c *Collector) SetWorkerCount(stage string, n int) {
	c.stageWorkers.WithLabelValues(stage).Set(float64(n))
}

// RecordTaskSubmitted records one task submitted under the given class.
func (c *Collector) RecordTaskSubmitted(class string) {
	c.tasksSubmitted.WithLabelValues(class).Inc()
}

// RecordTaskExecuted records one task execution with its proc latency.
func (c *Collector) RecordTaskExecuted(class string, latencySeconds float64) {
	c.tasksExecuted.WithLabelValues(class).Inc()
	c.taskLatency.Observe(latencySeconds)
}

// RecordTaskFailed records one task whose proc returned a negative
// result.
func (c *Collector) RecordTaskFailed(class string) {
	c.tasksFailed.WithLabelValues(class).Inc()
}

// RecordTaskCancelled records one task cancelled before or during
// execution.
func (c *Collector) RecordTaskCancelled(class string) {
	c.tasksCancelled.WithLabelValues(class).Inc()
}

// UpdateQueueDepths sets the current urgent/timed/idle queue depths.
func (c *Collector) UpdateQueueDepths(urgent, timed, idle int) {
	c.queueDepth.WithLabelValues("urgent").Set(float64(urgent))
	c.queueDepth.WithLabelValues("timed").Set(float64(timed))
	c.queueDepth.WithLabelValues("idle").Set(float64(idle))
}

// StartServer starts the Prometheus metrics HTTP server on port,
// serving /metrics. Blocks until the server stops or fails.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
