package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type CompilationAPIMetrics struct {
	SubmitRequestCount       *prometheus.CounterVec
	VerifyRequestDurationSec *prometheus.SummaryVec
	CancelRequestCount       prometheus.Counter

	JobsCompletedCount    *prometheus.CounterVec
	JobDurationSec        prometheus.Histogram
	SourceCopyDurationSec prometheus.Histogram
	StaleJobsRedispatched prometheus.Counter
}

func NewMetrics() *CompilationAPIMetrics {
	m := &CompilationAPIMetrics{
		SubmitRequestCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "submit_request_count",
			Help: "The total number of job submissions, broken up by target queue",
		}, []string{"queue"}),
		VerifyRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "verify_request_duration_seconds",
			Help: "The latency of sequence verification requests, broken up by success",
		}, []string{"success"}),
		CancelRequestCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cancel_request_count",
			Help: "The total number of cancellation requests",
		}),

		JobsCompletedCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_completed_count",
			Help: "The total number of jobs that reached a terminal state, broken up by status",
		}, []string{"status"}),
		JobDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Wall-clock time a compilation took from pickup to completion",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
		}),
		SourceCopyDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "source_copy_duration_seconds",
			Help:    "Time taken to copy a job's sources off the shares",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		StaleJobsRedispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stale_jobs_redispatched_count",
			Help: "The total number of queued jobs re-submitted after the broker lost them",
		}),
	}

	return m
}

var Metrics = NewMetrics()
