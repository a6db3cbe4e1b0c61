/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Common namespace for application metrics.
	Namespace = "jobsearch"

	// Common set of metric label names.
	StatusLabel = "status"
	SourceLabel = "source"
	QueueLabel  = "queue"
	StageLabel  = "stage"
)

// DurationBuckets returns a []float64 of default threshold values for duration histograms.
// Each returned slice is new and may be modified without impacting other bucket definitions.
func DurationBuckets() []float64 {
	return []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800, 3600}
}

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "runs",
			Name:      "total",
			Help:      "Number of pipeline runs by terminal status.",
		},
		[]string{StatusLabel},
	)
	RunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall time of completed pipeline runs.",
			Buckets:   DurationBuckets(),
		},
	)
	QueueJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Queue jobs by queue and terminal status.",
		},
		[]string{QueueLabel, StatusLabel},
	)
	QueueStalledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "stalled_total",
			Help:      "Jobs whose heartbeat went quiet and were requeued.",
		},
		[]string{QueueLabel},
	)
	SourceCooldownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ratelimit",
			Name:      "cooldowns_total",
			Help:      "Cooldowns entered per collection source.",
		},
		[]string{SourceLabel},
	)
	RequestCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "requestcache",
			Name:      "entries",
			Help:      "Live entries in the in-flight request cache.",
		},
	)
)

// Registry holds every engine metric; the operator exposes it on the
// metrics port.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		RunsTotal,
		RunDurationSeconds,
		QueueJobsTotal,
		QueueStalledTotal,
		SourceCooldownsTotal,
		RequestCacheSize,
	)
	return reg
}
