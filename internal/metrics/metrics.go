// Package metrics exports coordination activity as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/hivemind"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hive"

type Metrics struct {
	tasks         *prometheus.CounterVec
	taskDuration  prometheus.Histogram
	agentEvents   *prometheus.CounterVec
	workflows     *prometheus.CounterVec
	messages      prometheus.Counter
	tasksByStatus *prometheus.GaugeVec
	activeAgents  prometheus.Gauge
	successRate   prometheus.Gauge
}

// MustNewMetrics creates and registers the collectors on reg, reusing
// collectors already registered under the same names. Other registration
// errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		tasks: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by type.",
		}, []string{"event"})),
		taskDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from assignment to completion of successful tasks.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		})),
		agentEvents: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_status_transitions_total",
			Help:      "Agent status transitions by target status.",
		}, []string{"to"})),
		workflows: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Finished workflows by strategy and outcome.",
		}, []string{"strategy", "outcome"})),
		messages: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages delivered through the communication bus.",
		})),
		tasksByStatus: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Current number of tasks by status.",
		}, []string{"status"})),
		activeAgents: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_agents",
			Help:      "Registered agents that are not offline.",
		})),
		successRate: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "task_success_ratio",
			Help:      "Completed tasks over finished tasks.",
		})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Attach counts every event published on bus until the returned function
// is called.
func (m *Metrics) Attach(bus *events.Bus) func() {
	return bus.Subscribe("metrics", m.Observe)
}

func (m *Metrics) Observe(ev events.Event) {
	switch ev.Type {
	case events.TaskSubmitted, events.TaskPending, events.TaskQueued, events.TaskAssigned,
		events.TaskFailed, events.TaskCancelRequested:
		m.tasks.WithLabelValues(string(ev.Type)).Inc()
	case events.TaskCompleted:
		m.tasks.WithLabelValues(string(ev.Type)).Inc()
		if d, ok := ev.Data["durationSeconds"].(float64); ok {
			m.taskDuration.Observe(d)
		}
	case events.AgentStatusChanged:
		if to, ok := ev.Data["to"].(string); ok {
			m.agentEvents.WithLabelValues(to).Inc()
		}
	case events.WorkflowCompleted, events.WorkflowFailed:
		strategy, _ := ev.Data["strategy"].(string)
		outcome := "success"
		if ev.Type == events.WorkflowFailed {
			outcome = "failure"
		}
		m.workflows.WithLabelValues(strategy, outcome).Inc()
	case events.MessageSent:
		m.messages.Inc()
	}
}

// StatsSource is satisfied by *hivemind.HiveMind.
type StatsSource interface {
	GetSystemStats() hivemind.Stats
}

// Record sets the gauges from a stats snapshot.
func (m *Metrics) Record(s hivemind.Stats) {
	m.tasksByStatus.WithLabelValues(string(hivemind.TaskPending)).Set(float64(s.PendingTasks))
	m.tasksByStatus.WithLabelValues(string(hivemind.TaskQueued)).Set(float64(s.QueuedTasks))
	m.tasksByStatus.WithLabelValues(string(hivemind.TaskAssigned)).Set(float64(s.AssignedTasks))
	m.tasksByStatus.WithLabelValues(string(hivemind.TaskCompleted)).Set(float64(s.CompletedTasks))
	m.tasksByStatus.WithLabelValues(string(hivemind.TaskFailed)).Set(float64(s.FailedTasks))
	m.activeAgents.Set(float64(s.ActiveAgents))
	m.successRate.Set(s.SuccessRate)
}

// Poll records stats from src every interval until ctx is done.
func (m *Metrics) Poll(ctx context.Context, src StatsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.Record(src.GetSystemStats())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Record(src.GetSystemStats())
		}
	}
}
