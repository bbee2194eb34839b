// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus collectors.
type Metrics struct {
	// RunsTotal counts finished runs by terminal status and trigger type
	RunsTotal *prometheus.CounterVec

	// JobsTotal counts finished job runs (matrix cells included) by status
	JobsTotal *prometheus.CounterVec

	// JobDuration observes job run wall time in seconds
	JobDuration *prometheus.HistogramVec

	// ActiveRuns tracks runs currently executing
	ActiveRuns prometheus.Gauge

	// QueueDepth tracks runs waiting in the daemon queue
	QueueDepth prometheus.Gauge
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "runs_total",
			Help:      "Finished pipeline runs by status and trigger type.",
		}, []string{"status", "trigger"}),
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forge",
			Name:      "jobs_total",
			Help:      "Finished job runs (one per matrix cell) by status.",
		}, []string{"status"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forge",
			Name:      "job_duration_seconds",
			Help:      "Job run wall time in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"pipeline"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "forge",
			Name:      "active_runs",
			Help:      "Pipeline runs currently executing.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "forge",
			Name:      "queue_depth",
			Help:      "Runs waiting in the execution queue.",
		}),
	}
}

// observeRun records a finished run.
func (m *Metrics) observeRun(run *Run) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(string(run.Status), string(run.Trigger)).Inc()
}

// observeJob records a finished job run.
func (m *Metrics) observeJob(pipelineName string, job *JobRun) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(string(job.Status)).Inc()
	if job.StartedAt != nil && job.FinishedAt != nil {
		m.JobDuration.WithLabelValues(pipelineName).Observe(job.FinishedAt.Sub(*job.StartedAt).Seconds())
	}
}
