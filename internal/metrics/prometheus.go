// Package metrics exports workflow activity as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"pingpong/internal/domain"
)

// Recorder counts ticks, actions, transitions and test runs. It observes the
// coordinator directly and everything else through notifications.
type Recorder struct {
	ticksTotal     prometheus.Counter
	tickDuration   prometheus.Histogram
	actionsTotal   *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	transitions    *prometheus.CounterVec
	testRunsTotal  *prometheus.CounterVec
	iteration      prometheus.Gauge
	workflowActive prometheus.Gauge
	sessionErrors  *prometheus.CounterVec
}

// NewRecorder registers the metrics with reg, or the default registry when
// reg is nil.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		ticksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pingpong_ticks_total",
			Help: "Total number of parallel coordinator ticks",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pingpong_tick_duration_seconds",
			Help:    "Duration of parallel coordinator ticks in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		actionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pingpong_actions_total",
				Help: "Total number of executed actions by role, type and status",
			},
			[]string{"role", "action", "status"},
		),
		actionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pingpong_action_duration_seconds",
				Help:    "Duration of executed actions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"role", "action"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pingpong_transitions_total",
				Help: "Total number of sequential machine transitions",
			},
			[]string{"from", "to"},
		),
		testRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pingpong_test_runs_total",
				Help: "Total number of recorded test runs by result",
			},
			[]string{"result"},
		),
		iteration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pingpong_iteration",
			Help: "Current workflow iteration",
		}),
		workflowActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pingpong_workflow_active",
			Help: "1 while the workflow is active",
		}),
		sessionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pingpong_session_errors_total",
				Help: "Total number of session errors by role",
			},
			[]string{"role"},
		),
	}
}

func (r *Recorder) ObserveTick(duration time.Duration, actions int) {
	r.ticksTotal.Inc()
	r.tickDuration.Observe(duration.Seconds())
}

func (r *Recorder) ObserveAction(role domain.Role, action domain.ActionType, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	r.actionsTotal.WithLabelValues(string(role), string(action), status).Inc()
	r.actionDuration.WithLabelValues(string(role), string(action)).Observe(duration.Seconds())
}

// Run consumes notifications until ctx is done or ch is closed.
func (r *Recorder) Run(ctx context.Context, ch <-chan domain.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			r.Observe(n)
		}
	}
}

func (r *Recorder) Observe(n domain.Notification) {
	switch n.Kind {
	case domain.NotificationTransition:
		r.transitions.WithLabelValues(n.From, n.To).Inc()
	case domain.NotificationTestCompleted:
		result := "failed"
		if n.TestResult != nil && n.TestResult.Passed {
			result = "passed"
		}
		r.testRunsTotal.WithLabelValues(result).Inc()
	case domain.NotificationSessionError:
		r.sessionErrors.WithLabelValues(string(n.Role)).Inc()
	case domain.NotificationStateChanged:
		r.iteration.Set(float64(n.Snapshot.Iteration))
		if n.Snapshot.IsWorkflowActive {
			r.workflowActive.Set(1)
		} else {
			r.workflowActive.Set(0)
		}
	}
}
