package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pingpong/internal/domain"
)

// value returns the single sample of the named metric whose labels include
// want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s %v not found", name, want)
	return 0
}

func TestObserverMethods(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveTick(10*time.Millisecond, 2)
	r.ObserveTick(5*time.Millisecond, 0)
	r.ObserveAction(domain.RoleQA, domain.ActionRunTest, true, time.Second)
	r.ObserveAction(domain.RoleDev, domain.ActionWriteCode, false, 2*time.Second)

	assert.Equal(t, 2.0, value(t, reg, "pingpong_ticks_total", nil))
	assert.Equal(t, 2.0, value(t, reg, "pingpong_tick_duration_seconds", nil))
	assert.Equal(t, 1.0, value(t, reg, "pingpong_actions_total", map[string]string{"role": "qa", "action": "run_test", "status": "success"}))
	assert.Equal(t, 1.0, value(t, reg, "pingpong_actions_total", map[string]string{"role": "dev", "action": "write_code", "status": "error"}))
	assert.Equal(t, 1.0, value(t, reg, "pingpong_action_duration_seconds", map[string]string{"role": "dev"}))
}

func TestRunConsumesNotifications(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	ch := make(chan domain.Notification, 8)
	ch <- domain.Notification{Kind: domain.NotificationTransition, From: "IDLE", To: "SPEC_CREATION"}
	ch <- domain.Notification{Kind: domain.NotificationTestCompleted, TestResult: &domain.TestResult{Passed: true}}
	ch <- domain.Notification{Kind: domain.NotificationTestCompleted, TestResult: &domain.TestResult{}}
	ch <- domain.Notification{Kind: domain.NotificationSessionError, Role: domain.RoleDev}
	ch <- domain.Notification{Kind: domain.NotificationStateChanged, Snapshot: domain.WorkflowContext{Iteration: 3, IsWorkflowActive: true}}
	close(ch)

	r.Run(context.Background(), ch)

	assert.Equal(t, 1.0, value(t, reg, "pingpong_transitions_total", map[string]string{"from": "IDLE", "to": "SPEC_CREATION"}))
	assert.Equal(t, 1.0, value(t, reg, "pingpong_test_runs_total", map[string]string{"result": "passed"}))
	assert.Equal(t, 1.0, value(t, reg, "pingpong_test_runs_total", map[string]string{"result": "failed"}))
	assert.Equal(t, 1.0, value(t, reg, "pingpong_session_errors_total", map[string]string{"role": "dev"}))
	assert.Equal(t, 3.0, value(t, reg, "pingpong_iteration", nil))
	assert.Equal(t, 1.0, value(t, reg, "pingpong_workflow_active", nil))
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewRecorder(prometheus.NewRegistry())
		NewRecorder(prometheus.NewRegistry())
	})
}
