// Package metrics holds the Prometheus collectors of the orchestrator. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "orchestrator"

type Metrics struct {
	OperationTransitions *prometheus.CounterVec
	ActiveOperations     prometheus.Gauge

	StepAttempts  *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	StepsInFlight prometheus.Gauge

	CompensationsTotal  *prometheus.CounterVec
	CompensationActions *prometheus.CounterVec

	AllocatedCPU      prometheus.Gauge
	AllocatedMemoryMB prometheus.Gauge
	AdmissionDenied   *prometheus.CounterVec

	PersistenceErrors *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OperationTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_transitions_total",
			Help:      "Operation status transitions by target status.",
		}, []string{"status"}),
		ActiveOperations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_operations",
			Help:      "Operations currently owned by a scheduler loop.",
		}),
		StepAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step attempts by step type and outcome.",
		}, []string{"type", "status"}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_attempt_duration_seconds",
			Help:      "Duration of a single step attempt.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"type"}),
		StepsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "steps_in_flight",
			Help:      "Steps currently executing.",
		}),
		CompensationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Finished compensation plans by outcome.",
		}, []string{"status"}),
		CompensationActions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_actions_total",
			Help:      "Compensation actions by outcome.",
		}, []string{"status"}),
		AllocatedCPU: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allocated_cpu",
			Help:      "CPU currently reserved by running operations.",
		}),
		AllocatedMemoryMB: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allocated_memory_mb",
			Help:      "Memory (MB) currently reserved by running operations.",
		}),
		AdmissionDenied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_denied_total",
			Help:      "Admission denials by reason.",
		}, []string{"reason"}),
		PersistenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "State and checkpoint write failures by operation.",
		}, []string{"op"}),
	}
}

func (m *Metrics) OperationTransition(status string) {
	if m == nil {
		return
	}
	m.OperationTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) OperationActive(delta float64) {
	if m == nil {
		return
	}
	m.ActiveOperations.Add(delta)
}

func (m *Metrics) StepAttempt(stepType, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.StepAttempts.WithLabelValues(stepType, status).Inc()
	m.StepDuration.WithLabelValues(stepType).Observe(took.Seconds())
}

func (m *Metrics) StepInFlight(delta float64) {
	if m == nil {
		return
	}
	m.StepsInFlight.Add(delta)
}

func (m *Metrics) Compensation(status string) {
	if m == nil {
		return
	}
	m.CompensationsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) CompensationAction(status string) {
	if m == nil {
		return
	}
	m.CompensationActions.WithLabelValues(status).Inc()
}

func (m *Metrics) ResourceUsage(cpu float64, memoryMB int64) {
	if m == nil {
		return
	}
	m.AllocatedCPU.Set(cpu)
	m.AllocatedMemoryMB.Set(float64(memoryMB))
}

func (m *Metrics) Denied(reason string) {
	if m == nil {
		return
	}
	m.AdmissionDenied.WithLabelValues(reason).Inc()
}

func (m *Metrics) PersistenceError(op string) {
	if m == nil {
		return
	}
	m.PersistenceErrors.WithLabelValues(op).Inc()
}
