// Package metrics exports launch pipeline and pod lifecycle outcomes to
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"workload-launcher-go/internal/models"
	"workload-launcher-go/internal/pipeline"
	"workload-launcher-go/internal/pods"
)

const namespace = "workload_launcher"

// Recorder observes the pipeline, the lifecycle client, the runner and the reaper.
type Recorder struct {
	stageDuration   *prometheus.HistogramVec
	stageTotal      *prometheus.CounterVec
	launchesTotal   *prometheus.CounterVec
	launchDuration  *prometheus.HistogramVec
	podStepDuration *prometheus.HistogramVec
	podStepTotal    *prometheus.CounterVec
	readErrorsTotal prometheus.Counter
	inFlight        prometheus.Gauge
	panicsTotal     *prometheus.CounterVec
	podSetsReaped   *prometheus.CounterVec
}

// NewRecorder registers every launcher metric on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	podBuckets := []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 420, 600}

	return &Recorder{
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Launch stage duration in seconds",
				Buckets:   podBuckets,
			},
			[]string{"kind", "stage"},
		),
		stageTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_total",
				Help:      "Total launch stage executions by outcome",
			},
			[]string{"kind", "stage", "status"},
		),
		launchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "launches_total",
				Help:      "Total launch pipeline runs by terminal state",
			},
			[]string{"kind", "state"},
		),
		launchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "launch_duration_seconds",
				Help:      "Launch pipeline duration in seconds",
				Buckets:   podBuckets,
			},
			[]string{"kind", "state"},
		),
		podStepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pod_step_duration_seconds",
				Help:      "Pod initialisation step duration in seconds",
				Buckets:   podBuckets,
			},
			[]string{"kind", "step", "role"},
		),
		podStepTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pod_steps_total",
				Help:      "Total pod initialisation steps by outcome",
			},
			[]string{"kind", "step", "role", "status"},
		),
		readErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_read_errors_total",
				Help:      "Total inbound transport read failures",
			},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "launches_in_flight",
				Help:      "Launch requests currently being processed",
			},
		),
		panicsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_recovered_total",
				Help:      "Total number of recovered panics",
			},
			[]string{"component"},
		),
		podSetsReaped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pod_sets_reaped_total",
				Help:      "Total pod sets deleted by the reaper",
			},
			[]string{"reason"},
		),
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (r *Recorder) StageCompleted(kind models.WorkloadKind, stage pipeline.StageName, d time.Duration, err error) {
	r.stageDuration.WithLabelValues(string(kind), string(stage)).Observe(d.Seconds())
	r.stageTotal.WithLabelValues(string(kind), string(stage), status(err)).Inc()
}

func (r *Recorder) PipelineCompleted(kind models.WorkloadKind, state pipeline.State, d time.Duration) {
	r.launchesTotal.WithLabelValues(string(kind), string(state)).Inc()
	r.launchDuration.WithLabelValues(string(kind), string(state)).Observe(d.Seconds())
}

func (r *Recorder) PodStep(kind models.WorkloadKind, step pods.Step, role models.PodRole, d time.Duration, err error) {
	r.podStepDuration.WithLabelValues(string(kind), string(step), string(role)).Observe(d.Seconds())
	r.podStepTotal.WithLabelValues(string(kind), string(step), string(role), status(err)).Inc()
}

func (r *Recorder) ReadFailed() {
	r.readErrorsTotal.Inc()
}

func (r *Recorder) InFlight(delta int) {
	r.inFlight.Add(float64(delta))
}

func (r *Recorder) PanicRecovered(component string) {
	r.panicsTotal.WithLabelValues(component).Inc()
}

func (r *Recorder) PodSetReaped(reason string) {
	r.podSetsReaped.WithLabelValues(reason).Inc()
}

// Nop is wired when the metrics capability is disabled.
type Nop struct {
	pipeline.NopObserver
}

func (Nop) PodStep(models.WorkloadKind, pods.Step, models.PodRole, time.Duration, error) {}
func (Nop) ReadFailed()                                                                 {}
func (Nop) InFlight(int)                                                                {}
func (Nop) PanicRecovered(string)                                                       {}
func (Nop) PodSetReaped(string)                                                         {}
